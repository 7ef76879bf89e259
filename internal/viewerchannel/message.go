package viewerchannel

import (
	"encoding/json"

	"github.com/trybotster/botster-hub/internal/ratchet"
)

// Kind distinguishes an encrypted data message from a plaintext control
// frame used only for bootstrap/metadata, per spec.md §4.4's receive
// path.
type Kind string

const (
	KindCipher  Kind = "cipher"
	KindControl Kind = "control"
)

// ReliableMessage is what actually travels over the untrusted relay: a
// per-channel sequence number wrapping either an opaque ratchet
// envelope or a plaintext control payload. The relay sees Sequence and
// Sender in the clear; it never sees plaintext terminal data.
type ReliableMessage struct {
	Kind     Kind            `json:"kind"`
	Sender   string          `json:"sender"` // publisher's identity_key
	Sequence uint64          `json:"sequence"`
	Envelope *ratchet.Envelope `json:"envelope,omitempty"`
	Control  json.RawMessage `json:"control,omitempty"`
}

// InboundMessage is what Channel.Receive hands back to the caller once a
// message (or run of buffered messages) becomes deliverable in order.
type InboundMessage struct {
	Sender     string
	Sequence   uint64
	Plaintext  []byte
	IsControl  bool
}
