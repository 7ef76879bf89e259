package framing

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		ftype   byte
		payload []byte
	}{
		{"json-like", TypeJSON, []byte(`{"ping":1}`)},
		{"binary", TypeBinary, []byte{0x00, 0x01, 0xff}},
		{"empty-payload-nonzero-frame", TypePing, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := Encode(c.ftype, c.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			d := NewDecoder()
			frames, err := d.Feed(encoded)
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("expected 1 frame, got %d", len(frames))
			}
			if frames[0].Type != c.ftype {
				t.Errorf("type = %x, want %x", frames[0].Type, c.ftype)
			}
			if !bytes.Equal(frames[0].Payload, c.payload) && !(len(frames[0].Payload) == 0 && len(c.payload) == 0) {
				t.Errorf("payload = %v, want %v", frames[0].Payload, c.payload)
			}
		})
	}
}

func TestDecoderMultiFrameInOneFeed(t *testing.T) {
	f1, _ := Encode(TypeJSON, []byte(`{"ping":1}`))
	f2, _ := EncodePtyOutput(TypePtyOutput, 0, 0, []byte("abc"))
	f3, _ := Encode(TypeJSON, []byte(`{"pong":1}`))

	d := NewDecoder()
	frames, err := d.Feed(append(append(append([]byte{}, f1...), f2...), f3...))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].Type != TypeJSON || frames[2].Type != TypeJSON || frames[1].Type != TypePtyOutput {
		t.Errorf("unexpected frame types: %+v", frames)
	}
}

func TestDecoderPartialFrameSplit(t *testing.T) {
	encoded, _ := Encode(TypeBinary, []byte("hello world"))

	d := NewDecoder()
	frames, err := d.Feed(encoded[:5])
	if err != nil {
		t.Fatalf("Feed partial: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected 0 frames from partial feed, got %d", len(frames))
	}

	frames, err = d.Feed(encoded[5:])
	if err != nil {
		t.Fatalf("Feed rest: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after completing, got %d", len(frames))
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	encoded, _ := Encode(TypeJSON, []byte(`{"a":1}`))

	d := NewDecoder()
	var got []Frame
	for _, b := range encoded {
		frames, err := d.Feed([]byte{b})
		if err != nil {
			t.Fatalf("Feed byte: %v", err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(got))
	}
}

func TestDecoderRejectsZeroLength(t *testing.T) {
	buf := make([]byte, 4) // length field = 0
	d := NewDecoder()
	_, err := d.Feed(buf)
	if !errors.Is(err, ErrZeroLength) {
		t.Fatalf("expected ErrZeroLength, got %v", err)
	}
}

func TestEncodeRejectsOversized(t *testing.T) {
	_, err := Encode(TypeBinary, make([]byte, MaxFrameSize))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge from Encode, got %v", err)
	}
}

func TestPtyOutputRoundTrip(t *testing.T) {
	encoded, err := EncodePtyOutput(TypePtyOutput, 3, 1, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodePtyOutput: %v", err)
	}
	d := NewDecoder()
	frames, err := d.Feed(encoded)
	if err != nil || len(frames) != 1 {
		t.Fatalf("Feed: frames=%v err=%v", frames, err)
	}
	out, err := DecodePtyOutput(frames[0].Payload)
	if err != nil {
		t.Fatalf("DecodePtyOutput: %v", err)
	}
	if out.Agent != 3 || out.Pty != 1 || string(out.Data) != "hello" {
		t.Errorf("got %+v", out)
	}
}

func TestScrollbackRoundTrip(t *testing.T) {
	encoded, err := EncodeScrollback(2, 0, true, []byte("scrollback data"))
	if err != nil {
		t.Fatalf("EncodeScrollback: %v", err)
	}
	d := NewDecoder()
	frames, _ := d.Feed(encoded)
	sb, err := DecodeScrollback(frames[0].Payload)
	if err != nil {
		t.Fatalf("DecodeScrollback: %v", err)
	}
	if sb.Agent != 2 || sb.Pty != 0 || !sb.KittyFlag || string(sb.Data) != "scrollback data" {
		t.Errorf("got %+v", sb)
	}
}

func TestProcessExitedRoundTripWithCode(t *testing.T) {
	code := int32(42)
	encoded, err := EncodeProcessExited(1, 1, &code)
	if err != nil {
		t.Fatalf("EncodeProcessExited: %v", err)
	}
	d := NewDecoder()
	frames, _ := d.Feed(encoded)
	pe, err := DecodeProcessExited(frames[0].Payload)
	if err != nil {
		t.Fatalf("DecodeProcessExited: %v", err)
	}
	if pe.ExitCode == nil || *pe.ExitCode != 42 {
		t.Errorf("got %+v", pe)
	}
}

func TestProcessExitedRoundTripNone(t *testing.T) {
	encoded, err := EncodeProcessExited(1, 1, nil)
	if err != nil {
		t.Fatalf("EncodeProcessExited: %v", err)
	}
	d := NewDecoder()
	frames, _ := d.Feed(encoded)
	pe, err := DecodeProcessExited(frames[0].Payload)
	if err != nil {
		t.Fatalf("DecodeProcessExited: %v", err)
	}
	if pe.ExitCode != nil {
		t.Errorf("expected nil exit code, got %v", *pe.ExitCode)
	}
}

func TestEmptyBinaryFrame(t *testing.T) {
	encoded, err := Encode(TypeBinary, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	d := NewDecoder()
	frames, err := d.Feed(encoded)
	if err != nil || len(frames) != 1 {
		t.Fatalf("frames=%v err=%v", frames, err)
	}
	if len(frames[0].Payload) != 0 {
		t.Errorf("expected empty payload, got %v", frames[0].Payload)
	}
}

func TestLargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 256*1024)
	encoded, err := Encode(TypeBinary, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	d := NewDecoder()
	frames, err := d.Feed(encoded)
	if err != nil || len(frames) != 1 {
		t.Fatalf("frames=%v err=%v", frames, err)
	}
	if !bytes.Equal(frames[0].Payload, payload) {
		t.Error("payload mismatch on large frame")
	}
}
