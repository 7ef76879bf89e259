// Package viewerchannel implements the encrypted, reliable, ordered
// byte channel between the hub and a set of remote browser viewers. It sits
// above internal/ratchet (which provides the session keying and AEAD)
// and below whatever untrusted pub/sub transport carries the serialized
// ReliableMessage envelopes (a relay subscription, in production; a
// loopback channel, in tests).
package viewerchannel

import (
	"fmt"
	"sync"

	"github.com/trybotster/botster-hub/internal/ratchet"
)

// decryptFailureThresholdDefault is how many consecutive decryption
// failures on one peer's session trip ErrSessionBroken, per spec.md
// §4.4's health-and-recovery rule.
const decryptFailureThresholdDefault = 5

// Topic identifies the relay subscription a Channel binds to: one hub,
// one agent, one PTY.
type Topic struct {
	HubID      string
	AgentIndex int
	PtyIndex   int
}

// peerState is everything the channel tracks for one identity_key: its
// ratchet session, the tabs sharing it, send/receive sequence state,
// and decrypt health.
type peerState struct {
	tabIDs  map[string]struct{}
	session *ratchet.Session

	sendSeq   uint64
	sendQueue []queuedSend // retained until acked, for relay-drop resend

	recvNextSeq uint64
	recvBuffer  map[uint64]ReliableMessage

	decryptFailures int
}

type queuedSend struct {
	sequence uint64
	msg      ReliableMessage
}

// Channel binds one PTY to a set of browser peers over an untrusted
// relay. All mutation of peer set, compression config, and connection
// state goes through mu, per spec.md §4.4's single-lock concurrency
// rule.
type Channel struct {
	mu sync.Mutex

	topic   Topic
	connected bool

	compressionThreshold   int
	decryptFailureThreshold int

	peers map[string]*peerState // identity_key -> state

	ourIdentityKey string
}

// NewChannel creates a Channel for the given topic. ourIdentityKey is
// embedded in every outbound ReliableMessage as Sender.
func NewChannel(topic Topic, ourIdentityKey string) *Channel {
	return &Channel{
		topic:                   topic,
		compressionThreshold:    compressionThresholdDefault,
		decryptFailureThreshold: decryptFailureThresholdDefault,
		peers:                   make(map[string]*peerState),
		ourIdentityKey:          ourIdentityKey,
	}
}

// Connect marks the channel live. Per spec.md §4.4, a Channel only
// really "goes live" once the first peer is observed via AddPeer; this
// just flips the gate so Send/Receive stop returning ErrClosed.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
}

// Disconnect unsubscribes and drops every peer.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.peers = make(map[string]*peerState)
}

// Peers enumerates currently-subscribed peer identity keys.
func (c *Channel) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// AddPeer attaches tabID to identityKey's session, creating fresh
// sequence/dedup state the first time this identity_key is seen.
// Multiple tabs from the same peer share one session, per spec.md
// §4.4's peer-identity rule.
func (c *Channel) AddPeer(identityKey string, tabID string, session *ratchet.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[identityKey]
	if !ok {
		p = &peerState{
			tabIDs:     make(map[string]struct{}),
			recvBuffer: make(map[uint64]ReliableMessage),
		}
		c.peers[identityKey] = p
	}
	p.session = session
	p.tabIDs[tabID] = struct{}{}
}

// RemoveTab detaches tabID; the peer (and its session/sequence state)
// is dropped entirely once its last tab disconnects.
func (c *Channel) RemoveTab(identityKey, tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[identityKey]
	if !ok {
		return
	}
	delete(p.tabIDs, tabID)
	if len(p.tabIDs) == 0 {
		delete(c.peers, identityKey)
	}
}

// Send compresses (if the payload warrants it), encrypts for
// identityKey's session, and returns the ReliableMessage ready to
// publish on the relay. The message is also retained in the peer's
// send queue until Ack advances past its sequence, so a relay-level
// drop can be resent via PendingResend.
func (c *Channel) Send(identityKey string, plaintext []byte) (ReliableMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ReliableMessage{}, ErrClosed
	}
	p, ok := c.peers[identityKey]
	if !ok || p.session == nil {
		return ReliableMessage{}, ErrPeerUnknown
	}

	framed := maybeCompress(plaintext, c.compressionThreshold)

	env, err := p.session.Encrypt(framed)
	if err != nil {
		return ReliableMessage{}, EncryptionError{Reason: err.Error()}
	}

	seq := p.sendSeq
	p.sendSeq++

	msg := ReliableMessage{
		Kind:     KindCipher,
		Sender:   c.ourIdentityKey,
		Sequence: seq,
		Envelope: &env,
	}
	p.sendQueue = append(p.sendQueue, queuedSend{sequence: seq, msg: msg})
	return msg, nil
}

// SendControl builds an unencrypted control ReliableMessage (bootstrap
// signaling, session-broken recovery prompts) for identityKey. Control
// frames aren't sequenced against the cipher stream's dedup state.
func (c *Channel) SendControl(identityKey string, payload []byte) ReliableMessage {
	return ReliableMessage{
		Kind:    KindControl,
		Sender:  c.ourIdentityKey,
		Control: payload,
	}
}

// Ack advances the peer's acked watermark, trimming the retained send
// queue so PendingResend only replays what's still outstanding.
func (c *Channel) Ack(identityKey string, sequence uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[identityKey]
	if !ok {
		return
	}
	kept := p.sendQueue[:0]
	for _, q := range p.sendQueue {
		if q.sequence > sequence {
			kept = append(kept, q)
		}
	}
	p.sendQueue = kept
}

// PendingResend returns every unacked message queued for identityKey,
// in sequence order, for replay after a relay-level drop.
func (c *Channel) PendingResend(identityKey string) []ReliableMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[identityKey]
	if !ok {
		return nil
	}
	out := make([]ReliableMessage, len(p.sendQueue))
	for i, q := range p.sendQueue {
		out[i] = q.msg
	}
	return out
}

// Receive processes one inbound ReliableMessage from identityKey,
// returning every message that becomes deliverable in sequence order as
// a result (zero, one, or many if this fill closed a gap). Control
// frames bypass sequencing entirely and are always returned immediately.
func (c *Channel) Receive(identityKey string, msg ReliableMessage) ([]InboundMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrClosed
	}

	if msg.Kind == KindControl {
		return []InboundMessage{{Sender: identityKey, IsControl: true, Plaintext: msg.Control}}, nil
	}

	p, ok := c.peers[identityKey]
	if !ok || p.session == nil {
		return nil, ErrPeerUnknown
	}

	if msg.Sequence < p.recvNextSeq {
		return nil, nil // duplicate, already delivered
	}
	if msg.Sequence > p.recvNextSeq {
		p.recvBuffer[msg.Sequence] = msg
		return nil, nil // out of order, held until the gap fills
	}

	var delivered []InboundMessage
	next := msg
	for {
		pt, decErr := p.session.Decrypt(*next.Envelope)
		if decErr != nil {
			p.decryptFailures++
			if p.decryptFailures >= c.decryptFailureThreshold {
				return delivered, fmt.Errorf("%w: %s", ErrSessionBroken, decErr)
			}
			return delivered, DecryptionError{Reason: decErr.Error()}
		}
		p.decryptFailures = 0

		unframed, err := reverseCompress(pt)
		if err != nil {
			return delivered, DecryptionError{Reason: err.Error()}
		}

		delivered = append(delivered, InboundMessage{
			Sender:    identityKey,
			Sequence:  next.Sequence,
			Plaintext: unframed,
		})
		p.recvNextSeq = next.Sequence + 1

		buffered, ok := p.recvBuffer[p.recvNextSeq]
		if !ok {
			break
		}
		delete(p.recvBuffer, p.recvNextSeq)
		next = buffered
	}

	return delivered, nil
}
