// Package broker implements the out-of-process PTY custodian (spec §4.2):
// a sidecar process that holds PTY master file descriptors and their
// child processes across hub restarts, reached over a Unix domain socket
// with FD passing in ancillary data.
package broker

import (
	"encoding/json"
	"fmt"
)

// MaxSockPath is the most restrictive sockaddr_un path length across the
// platforms this module targets (macOS's limit; Linux allows 108). Socket paths are
// validated against it regardless of host OS, per spec.md §9's resolved
// open question.
const MaxSockPath = 104

// SocketPath returns the broker socket path for the given OS user id and
// hub id, validating it against MaxSockPath.
func SocketPath(tmpDir, uid, hubID string) (string, error) {
	path := fmt.Sprintf("%s/botster-%s/broker-%s.sock", tmpDir, uid, hubID)
	if len(path) > MaxSockPath {
		return "", fmt.Errorf("broker: socket path %q exceeds MaxSockPath (%d bytes)", path, MaxSockPath)
	}
	return path, nil
}

// FdTransferRequest is the hub->broker FdTransfer frame payload. The
// master FD itself travels in the same write's ancillary data, not in
// this JSON body.
type FdTransferRequest struct {
	SessionKey string `json:"session_key"`
	PtyIndex   int    `json:"pty_index"`
	ChildPID   int    `json:"child_pid"`
	Rows       uint16 `json:"rows"`
	Cols       uint16 `json:"cols"`
}

// RegisteredResponse is the broker->hub Registered frame payload.
type RegisteredResponse struct {
	SessionKey string `json:"session_key"`
	PtyIndex   int    `json:"pty_index"`
	SessionID  uint32 `json:"session_id"`
}

// PtyInputMessage is the hub->broker PtyInput frame payload.
type PtyInputMessage struct {
	SessionID uint32 `json:"session_id"`
	Bytes     []byte `json:"bytes"`
}

// PtyOutputMessage is the broker->hub PtyOutput frame payload.
type PtyOutputMessage struct {
	SessionID uint32 `json:"session_id"`
	Bytes     []byte `json:"bytes"`
}

// ResizePtyMessage is the hub->broker ResizePty frame payload.
type ResizePtyMessage struct {
	SessionID uint32 `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

// GetSnapshotMessage is the hub->broker GetSnapshot frame payload.
type GetSnapshotMessage struct {
	SessionID uint32 `json:"session_id"`
}

// SnapshotMessage is the broker->hub Snapshot frame payload.
type SnapshotMessage struct {
	SessionID uint32 `json:"session_id"`
	AnsiBytes []byte `json:"ansi_bytes"`
}

// UnregisterPtyMessage is the hub->broker UnregisterPty frame payload.
type UnregisterPtyMessage struct {
	SessionID uint32 `json:"session_id"`
}

func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
