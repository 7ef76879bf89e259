package ratchet

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

func basepoint() [32]byte {
	var b [32]byte
	copy(b[:], curve25519.Basepoint)
	return b
}

// x3dhInitiator derives the shared secret for the side that generated the
// ephemeral key and sends the PreKey message: three Diffie-Hellman
// agreements combining both parties' identity keys with the responder's
// one-time key, the minimal X3DH handshake (no separate signed prekey,
// since the one-time key already serves that role here).
func x3dhInitiator(myIdentity, myEphemeral x25519KeyPair, peerIdentity, peerOTK [32]byte) ([]byte, error) {
	dh1, err := dh(myIdentity.priv, peerOTK)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(myEphemeral.priv, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(myEphemeral.priv, peerOTK)
	if err != nil {
		return nil, err
	}
	return deriveRootSecret(dh1, dh2, dh3)
}

// x3dhResponder derives the same shared secret from the receiving side:
// the consumed one-time key and identity key against the initiator's
// identity and ephemeral keys.
func x3dhResponder(myIdentity, myOTK x25519KeyPair, peerIdentity, peerEphemeral [32]byte) ([]byte, error) {
	dh1, err := dh(myOTK.priv, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(myIdentity.priv, peerEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(myOTK.priv, peerEphemeral)
	if err != nil {
		return nil, err
	}
	return deriveRootSecret(dh1, dh2, dh3)
}

func deriveRootSecret(dh1, dh2, dh3 []byte) ([]byte, error) {
	combined := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	combined = append(combined, dh1...)
	combined = append(combined, dh2...)
	combined = append(combined, dh3...)

	root := make([]byte, 32)
	if err := deriveKeys(combined, nil, "botster-ratchet-x3dh-root", root); err != nil {
		return nil, fmt.Errorf("ratchet: deriving root secret: %w", err)
	}
	return root, nil
}
