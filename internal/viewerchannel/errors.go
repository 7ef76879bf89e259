package viewerchannel

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by any operation on a disconnected channel.
var ErrClosed = errors.New("viewerchannel: channel closed")

// ErrPeerUnknown is returned when an operation names a peer the channel
// hasn't seen a bootstrap envelope for.
var ErrPeerUnknown = errors.New("viewerchannel: unknown peer")

// ErrSessionBroken is returned once a peer's consecutive decryption
// failure count crosses decryptFailureThreshold, per spec.md §4.4's
// health-and-recovery rule.
var ErrSessionBroken = errors.New("viewerchannel: session broken, bootstrap required")

// ConnectionFailed wraps a relay subscription failure.
type ConnectionFailed struct{ Reason string }

func (e ConnectionFailed) Error() string { return fmt.Sprintf("viewerchannel: connection failed: %s", e.Reason) }

// SendFailed wraps a relay publish failure.
type SendFailed struct{ Reason string }

func (e SendFailed) Error() string { return fmt.Sprintf("viewerchannel: send failed: %s", e.Reason) }

// EncryptionError wraps a send-path encryption failure.
type EncryptionError struct{ Reason string }

func (e EncryptionError) Error() string { return fmt.Sprintf("viewerchannel: encryption error: %s", e.Reason) }

// DecryptionError wraps a single decrypt failure. It is non-fatal in
// isolation; the channel only signals ErrSessionBroken once consecutive
// failures cross the threshold.
type DecryptionError struct{ Reason string }

func (e DecryptionError) Error() string { return fmt.Sprintf("viewerchannel: decryption error: %s", e.Reason) }
