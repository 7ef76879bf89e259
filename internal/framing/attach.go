package framing

import (
	"encoding/binary"
	"fmt"
)

// PtyOutput is the payload shape for TypePtyOutput/TypePtyInput:
// [u16 agent][u16 pty][bytes].
type PtyOutput struct {
	Agent uint16
	Pty   uint16
	Data  []byte
}

// EncodePtyOutput encodes a PtyOutput-shaped payload for the given frame
// type (TypePtyOutput or TypePtyInput share the same layout).
func EncodePtyOutput(frameType byte, agent, pty uint16, data []byte) ([]byte, error) {
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], agent)
	binary.LittleEndian.PutUint16(payload[2:4], pty)
	copy(payload[4:], data)
	return Encode(frameType, payload)
}

// DecodePtyOutput parses a PtyOutput-shaped payload.
func DecodePtyOutput(payload []byte) (PtyOutput, error) {
	if len(payload) < 4 {
		return PtyOutput{}, fmt.Errorf("framing: pty output frame too short: %d bytes", len(payload))
	}
	return PtyOutput{
		Agent: binary.LittleEndian.Uint16(payload[0:2]),
		Pty:   binary.LittleEndian.Uint16(payload[2:4]),
		Data:  append([]byte(nil), payload[4:]...),
	}, nil
}

// Scrollback is the payload shape for TypeScrollback:
// [u16 agent][u16 pty][u8 kitty_flag][bytes].
type Scrollback struct {
	Agent       uint16
	Pty         uint16
	KittyFlag   bool
	Data        []byte
}

// EncodeScrollback encodes a Scrollback payload.
func EncodeScrollback(agent, pty uint16, kitty bool, data []byte) ([]byte, error) {
	payload := make([]byte, 5+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], agent)
	binary.LittleEndian.PutUint16(payload[2:4], pty)
	if kitty {
		payload[4] = 1
	}
	copy(payload[5:], data)
	return Encode(TypeScrollback, payload)
}

// DecodeScrollback parses a Scrollback payload.
func DecodeScrollback(payload []byte) (Scrollback, error) {
	if len(payload) < 5 {
		return Scrollback{}, fmt.Errorf("framing: scrollback frame too short: %d bytes", len(payload))
	}
	return Scrollback{
		Agent:     binary.LittleEndian.Uint16(payload[0:2]),
		Pty:       binary.LittleEndian.Uint16(payload[2:4]),
		KittyFlag: payload[4] != 0,
		Data:      append([]byte(nil), payload[5:]...),
	}, nil
}

// ProcessExited is the payload shape for TypeProcessExited:
// [u16 agent][u16 pty][i32 exit_code], where -1 encodes "none".
type ProcessExited struct {
	Agent    uint16
	Pty      uint16
	ExitCode *int32
}

// EncodeProcessExited encodes a ProcessExited payload.
func EncodeProcessExited(agent, pty uint16, exitCode *int32) ([]byte, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:2], agent)
	binary.LittleEndian.PutUint16(payload[2:4], pty)
	code := int32(-1)
	if exitCode != nil {
		code = *exitCode
	}
	binary.LittleEndian.PutUint32(payload[4:8], uint32(code))
	return Encode(TypeProcessExited, payload)
}

// DecodeProcessExited parses a ProcessExited payload.
func DecodeProcessExited(payload []byte) (ProcessExited, error) {
	if len(payload) < 8 {
		return ProcessExited{}, fmt.Errorf("framing: process-exited frame too short: %d bytes", len(payload))
	}
	agent := binary.LittleEndian.Uint16(payload[0:2])
	pty := binary.LittleEndian.Uint16(payload[2:4])
	code := int32(binary.LittleEndian.Uint32(payload[4:8]))
	result := ProcessExited{Agent: agent, Pty: pty}
	if code != -1 {
		result.ExitCode = &code
	}
	return result, nil
}
