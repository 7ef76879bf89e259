package ratchet

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// preKeyHeader is attached to the first outbound Envelope a freshly
// created outbound session produces, so the responder can derive the
// matching shared secret before any ratchet state exists.
type preKeyHeader struct {
	EphemeralKey string
	OneTimeKeyID string
}

// Session encrypts and decrypts messages with one peer once a shared
// secret has been established, via independent forward-secret send and
// receive chains derived from the X3DH root secret. Each message key is
// used once and the chain key is advanced immediately after, so a
// compromised message key reveals nothing about prior or future
// messages (a single-DH-step ratchet: simpler than the full Double
// Ratchet, which re-keys via new DH shares on every direction change —
// sufficient here since the channel doesn't need post-compromise
// recovery mid-session).
type Session struct {
	mu sync.Mutex

	sessionID      string
	ourCurve25519  string
	peerCurve25519 string

	sendChainKey [32]byte
	recvChainKey [32]byte
	sendCounter  uint32
	recvCounter  uint32

	pendingPreKey *preKeyHeader
}

func newSession(rootSecret []byte, ourCurve25519, peerCurve25519 string, isInitiator bool) (*Session, error) {
	var chainA, chainB [32]byte
	if err := deriveKeys(rootSecret, nil, "botster-ratchet-chains", chainA[:], chainB[:]); err != nil {
		return nil, err
	}

	s := &Session{ourCurve25519: ourCurve25519, peerCurve25519: peerCurve25519}
	if isInitiator {
		s.sendChainKey, s.recvChainKey = chainA, chainB
	} else {
		s.sendChainKey, s.recvChainKey = chainB, chainA
	}

	idBytes := make([]byte, 16)
	if err := deriveKeys(rootSecret, nil, "botster-ratchet-session-id", idBytes); err != nil {
		return nil, err
	}
	s.sessionID = base64.RawURLEncoding.EncodeToString(idBytes)

	return s, nil
}

// SessionID identifies the session for pickling and logging.
func (s *Session) SessionID() string {
	return s.sessionID
}

// PeerCurve25519 returns the peer's identity key this session was
// established with.
func (s *Session) PeerCurve25519() string {
	return s.peerCurve25519
}

func advanceChain(chainKey [32]byte) (msgKey [32]byte, nextChainKey [32]byte, err error) {
	if err = deriveKeys(chainKey[:], nil, "botster-ratchet-message-key", msgKey[:]); err != nil {
		return
	}
	err = deriveKeys(chainKey[:], nil, "botster-ratchet-chain-key", nextChainKey[:])
	return
}

func seal(key [32]byte, counter uint32, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: constructing AEAD: %w", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("ratchet: generating nonce: %w", err)
	}
	var counterBytes [4]byte
	binary.BigEndian.PutUint32(counterBytes[:], counter)
	ciphertext = aead.Seal(nil, nonce, plaintext, counterBytes[:])
	return ciphertext, nonce, nil
}

func open(key [32]byte, counter uint32, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: constructing AEAD: %w", err)
	}
	var counterBytes [4]byte
	binary.BigEndian.PutUint32(counterBytes[:], counter)
	plaintext, err := aead.Open(nil, nonce, ciphertext, counterBytes[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: decryption failed (wrong key or tampered message)")
	}
	return plaintext, nil
}

// Encrypt advances the send chain and returns an Envelope ready to
// transmit. The first call on a session created by CreateOutboundSession
// produces a PreKey message; every call after (and every call on an
// inbound session) produces a Normal message.
func (s *Session) Encrypt(plaintext []byte) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgKey, nextChain, err := advanceChain(s.sendChainKey)
	if err != nil {
		return Envelope{}, err
	}
	s.sendChainKey = nextChain

	ciphertext, nonce, err := seal(msgKey, s.sendCounter, plaintext)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Version:    ProtocolVersion,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		SenderKey:  s.ourCurve25519,
	}
	if s.pendingPreKey != nil {
		env.MessageType = MessageTypePreKey
		env.EphemeralKey = s.pendingPreKey.EphemeralKey
		env.OneTimeKeyID = s.pendingPreKey.OneTimeKeyID
		s.pendingPreKey = nil
	} else {
		env.MessageType = MessageTypeNormal
	}

	s.sendCounter++
	return env, nil
}

// Decrypt advances the receive chain and authenticates/decrypts env.
// Messages must arrive in order: this is a single forward chain, not a
// skipped-message key store, matching the reliable in-order transport
// the channel runs over.
func (s *Session) Decrypt(env Envelope) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("ratchet: unsupported envelope version %d", env.Version)
	}

	msgKey, nextChain, err := advanceChain(s.recvChainKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := open(msgKey, s.recvCounter, env.Ciphertext, env.Nonce)
	if err != nil {
		return nil, err
	}

	s.recvChainKey = nextChain
	s.recvCounter++
	return plaintext, nil
}

type sessionPickle struct {
	SessionID      string `json:"session_id"`
	OurCurve25519  string `json:"our_curve25519"`
	PeerCurve25519 string `json:"peer_curve25519"`
	SendChainKey   string `json:"send_chain_key"`
	RecvChainKey   string `json:"recv_chain_key"`
	SendCounter    uint32 `json:"send_counter"`
	RecvCounter    uint32 `json:"recv_counter"`
}

// Pickle serializes session state for storage between process restarts.
func (s *Session) Pickle() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := sessionPickle{
		SessionID:      s.sessionID,
		OurCurve25519:  s.ourCurve25519,
		PeerCurve25519: s.peerCurve25519,
		SendChainKey:   base64.StdEncoding.EncodeToString(s.sendChainKey[:]),
		RecvChainKey:   base64.StdEncoding.EncodeToString(s.recvChainKey[:]),
		SendCounter:    s.sendCounter,
		RecvCounter:    s.recvCounter,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ratchet: pickling session: %w", err)
	}
	return string(b), nil
}

// SessionFromPickle restores a session pickled by Pickle.
func SessionFromPickle(pickle string) (*Session, error) {
	var p sessionPickle
	if err := json.Unmarshal([]byte(pickle), &p); err != nil {
		return nil, fmt.Errorf("ratchet: parsing session pickle: %w", err)
	}
	s := &Session{
		sessionID:      p.SessionID,
		ourCurve25519:  p.OurCurve25519,
		peerCurve25519: p.PeerCurve25519,
		sendCounter:    p.SendCounter,
		recvCounter:    p.RecvCounter,
	}
	var err error
	if s.sendChainKey, err = decodeB64Array(p.SendChainKey); err != nil {
		return nil, err
	}
	if s.recvChainKey, err = decodeB64Array(p.RecvChainKey); err != nil {
		return nil, err
	}
	return s, nil
}
