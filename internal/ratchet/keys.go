package ratchet

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

type x25519KeyPair struct {
	priv [32]byte
	pub  [32]byte
}

func generateX25519KeyPair() (x25519KeyPair, error) {
	var kp x25519KeyPair
	if _, err := rand.Read(kp.priv[:]); err != nil {
		return kp, fmt.Errorf("ratchet: generating curve25519 key: %w", err)
	}
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("ratchet: deriving curve25519 public key: %w", err)
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func dh(priv, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: X25519 agreement failed: %w", err)
	}
	return shared, nil
}

// deriveKeys runs HKDF-SHA256 over secret with the given info label and
// fills each out slice in order, matching the "one extract, many expand
// labels" pattern the double ratchet's key derivation uses.
func deriveKeys(secret []byte, salt []byte, info string, outs ...[]byte) error {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	for _, out := range outs {
		if _, err := io.ReadFull(r, out); err != nil {
			return fmt.Errorf("ratchet: HKDF expand failed: %w", err)
		}
	}
	return nil
}
