package ratchet

// Message type tags carried in an Envelope, mirroring Olm's PreKey/Normal
// distinction: a PreKey message carries everything the responder needs
// to derive the shared secret; a Normal message assumes the session is
// already established.
const (
	MessageTypePreKey byte = 0
	MessageTypeNormal byte = 1
)

// ProtocolVersion identifies the envelope wire format.
const ProtocolVersion byte = 1

// Envelope is the wire shape for an encrypted message, analogous to
// vodozemac's OlmMessage envelope: enough metadata to route and decrypt
// the ciphertext without a side channel.
type Envelope struct {
	Version     byte   `json:"version"`
	MessageType byte   `json:"message_type"`
	Ciphertext  []byte `json:"ciphertext"`
	Nonce       []byte `json:"nonce"`
	SenderKey   string `json:"sender_key"` // base64 curve25519 identity key

	// Populated only when MessageType == MessageTypePreKey: the
	// initiator's ephemeral key and the responder's one-time key ID it
	// was generated against, the minimum X3DH requires to agree on the
	// same shared secret.
	EphemeralKey string `json:"ephemeral_key,omitempty"`
	OneTimeKeyID string `json:"one_time_key_id,omitempty"`
}
