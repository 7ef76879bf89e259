// Package ratchet implements the end-to-end encrypted channel between a
// hub and its browser peers: an X3DH-style handshake over Curve25519
// followed by a symmetric-key forward-ratchet, authenticated with
// ChaCha20-Poly1305. vodozemac (the Matrix project's audited Olm/Megolm
// implementation the original CLI wraps) has no Go port, so this package
// is built directly from golang.org/x/crypto primitives in the same
// account/session shape.
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SessionEstablishmentKeys are the keys a peer needs to start an
// outbound session: published out of band (QR code, device-authorization
// payload) by whichever side waits to be contacted.
type SessionEstablishmentKeys struct {
	Ed25519      string `json:"ed25519"`
	Curve25519   string `json:"curve25519"`
	OneTimeKey   string `json:"one_time_key"`
	OneTimeKeyID string `json:"one_time_key_id"`
}

// Account is the long-lived identity for one side of a channel: an
// Ed25519 signing keypair plus a Curve25519 identity keypair and a pool
// of one-time Curve25519 keys, each consumed by at most one inbound
// session.
type Account struct {
	mu sync.Mutex

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey

	identity x25519KeyPair

	oneTimeKeys map[string]x25519KeyPair
}

// NewAccount generates a fresh identity.
func NewAccount() (*Account, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generating ed25519 key: %w", err)
	}
	identity, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &Account{
		signPub:     signPub,
		signPriv:    signPriv,
		identity:    identity,
		oneTimeKeys: make(map[string]x25519KeyPair),
	}, nil
}

type accountPickle struct {
	SignPub     string            `json:"sign_pub"`
	SignPriv    string            `json:"sign_priv"`
	IdentPub    string            `json:"ident_pub"`
	IdentPriv   string            `json:"ident_priv"`
	OneTimeKeys map[string]string `json:"one_time_keys"` // keyID -> base64 priv; pub is re-derived
}

// Pickle serializes the account, including unconsumed one-time keys, for
// storage between process restarts.
func (a *Account) Pickle() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := accountPickle{
		SignPub:     base64.StdEncoding.EncodeToString(a.signPub),
		SignPriv:    base64.StdEncoding.EncodeToString(a.signPriv),
		IdentPub:    base64.StdEncoding.EncodeToString(a.identity.pub[:]),
		IdentPriv:   base64.StdEncoding.EncodeToString(a.identity.priv[:]),
		OneTimeKeys: make(map[string]string, len(a.oneTimeKeys)),
	}
	for id, kp := range a.oneTimeKeys {
		p.OneTimeKeys[id] = base64.StdEncoding.EncodeToString(kp.priv[:])
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ratchet: pickling account: %w", err)
	}
	return string(b), nil
}

// AccountFromPickle restores an account pickled by Pickle.
func AccountFromPickle(pickle string) (*Account, error) {
	var p accountPickle
	if err := json.Unmarshal([]byte(pickle), &p); err != nil {
		return nil, fmt.Errorf("ratchet: parsing account pickle: %w", err)
	}

	a := &Account{oneTimeKeys: make(map[string]x25519KeyPair)}
	var err error
	if a.signPub, err = decodeB64(p.SignPub); err != nil {
		return nil, err
	}
	if a.signPriv, err = decodeB64(p.SignPriv); err != nil {
		return nil, err
	}
	if a.identity.pub, err = decodeB64Array(p.IdentPub); err != nil {
		return nil, err
	}
	if a.identity.priv, err = decodeB64Array(p.IdentPriv); err != nil {
		return nil, err
	}
	for id, privB64 := range p.OneTimeKeys {
		priv, err := decodeB64Array(privB64)
		if err != nil {
			return nil, err
		}
		pub, err := dh(priv, basepoint())
		if err != nil {
			return nil, err
		}
		var kp x25519KeyPair
		kp.priv = priv
		copy(kp.pub[:], pub)
		a.oneTimeKeys[id] = kp
	}
	return a, nil
}

func decodeB64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ratchet: invalid base64 in pickle: %w", err)
	}
	return b, nil
}

func decodeB64Array(s string) ([32]byte, error) {
	var out [32]byte
	b, err := decodeB64(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("ratchet: expected 32-byte key, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Ed25519Key returns the account's base64 signing public key.
func (a *Account) Ed25519Key() string {
	return base64.StdEncoding.EncodeToString(a.signPub)
}

// Curve25519Key returns the account's base64 identity public key.
func (a *Account) Curve25519Key() string {
	return base64.StdEncoding.EncodeToString(a.identity.pub[:])
}

// GenerateOneTimeKeys adds count fresh one-time Curve25519 keypairs to
// the account's pool.
func (a *Account) GenerateOneTimeKeys(count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < count; i++ {
		kp, err := generateX25519KeyPair()
		if err != nil {
			return err
		}
		a.oneTimeKeys[uuid.NewString()] = kp
	}
	return nil
}

// SessionEstablishmentKeys returns the keys a peer needs to open an
// outbound session against this account, generating a one-time key
// first if the pool is empty.
func (a *Account) SessionEstablishmentKeys() (SessionEstablishmentKeys, error) {
	a.mu.Lock()
	empty := len(a.oneTimeKeys) == 0
	a.mu.Unlock()
	if empty {
		if err := a.GenerateOneTimeKeys(1); err != nil {
			return SessionEstablishmentKeys{}, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var keyID string
	for id := range a.oneTimeKeys {
		keyID = id
		break
	}
	otk := a.oneTimeKeys[keyID]
	return SessionEstablishmentKeys{
		Ed25519:      a.Ed25519Key(),
		Curve25519:   a.Curve25519Key(),
		OneTimeKey:   base64.StdEncoding.EncodeToString(otk.pub[:]),
		OneTimeKeyID: keyID,
	}, nil
}

// Sign signs message with the account's Ed25519 key, base64-encoded.
func (a *Account) Sign(message []byte) string {
	sig := ed25519.Sign(a.signPriv, message)
	return base64.StdEncoding.EncodeToString(sig)
}

// CreateOutboundSession starts a session toward a peer identified by its
// published establishment keys, selecting a one-time key to X3DH against.
// The returned Session's first Encrypt call produces a PreKey message.
func (a *Account) CreateOutboundSession(peer SessionEstablishmentKeys) (*Session, error) {
	peerIdentity, err := decodeB64Array(peer.Curve25519)
	if err != nil {
		return nil, err
	}
	peerOTK, err := decodeB64Array(peer.OneTimeKey)
	if err != nil {
		return nil, err
	}

	ephemeral, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	secret, err := x3dhInitiator(a.identity, ephemeral, peerIdentity, peerOTK)
	if err != nil {
		return nil, err
	}

	s, err := newSession(secret, a.Curve25519Key(), peer.Curve25519, true)
	if err != nil {
		return nil, err
	}
	s.pendingPreKey = &preKeyHeader{
		EphemeralKey: base64.StdEncoding.EncodeToString(ephemeral.pub[:]),
		OneTimeKeyID: peer.OneTimeKeyID,
	}
	return s, nil
}

// CreateInboundSession consumes the one-time key a PreKey envelope
// references and derives the same shared secret the initiator computed,
// returning the established session and the envelope's plaintext.
func (a *Account) CreateInboundSession(senderCurve25519 string, env Envelope) (*Session, []byte, error) {
	if env.MessageType != MessageTypePreKey {
		return nil, nil, fmt.Errorf("ratchet: expected PreKey message, got type %d", env.MessageType)
	}

	senderIdentity, err := decodeB64Array(senderCurve25519)
	if err != nil {
		return nil, nil, err
	}
	ephemeral, err := decodeB64Array(env.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	otk, ok := a.oneTimeKeys[env.OneTimeKeyID]
	if ok {
		delete(a.oneTimeKeys, env.OneTimeKeyID)
	}
	a.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("ratchet: one-time key %q unknown or already consumed", env.OneTimeKeyID)
	}

	secret, err := x3dhResponder(a.identity, otk, senderIdentity, ephemeral)
	if err != nil {
		return nil, nil, err
	}

	s, err := newSession(secret, a.Curve25519Key(), senderCurve25519, false)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := s.Decrypt(env)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: decrypting PreKey message: %w", err)
	}
	return s, plaintext, nil
}

// VerifySignature checks an Ed25519 signature produced by Sign.
func VerifySignature(publicKeyB64, message, signatureB64 string) (bool, error) {
	pub, err := decodeB64(publicKeyB64)
	if err != nil {
		return false, err
	}
	sig, err := decodeB64(signatureB64)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig), nil
}
