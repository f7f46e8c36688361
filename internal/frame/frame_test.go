package frame

import (
	"bytes"
	"testing"

	"bridgelink/internal/wire"
)

func TestBuildParseRoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		cmdID      uint16
		payload    []byte
		compressed bool
	}{
		{"empty payload", wire.GetUptime, nil, false},
		{"small payload", wire.DigitalWrite, []byte{0x01, 0x02, 0x03}, false},
		{"compressed flag set", wire.ConsoleWrite, []byte("hello"), true},
		{"max payload", wire.DatastorePut, bytes.Repeat([]byte{0x7F}, wire.MaxPayloadSize), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dst := make([]byte, wire.FrameHeaderSize+len(tc.payload)+wire.CRCTrailerSize)
			n, err := Build(dst, tc.cmdID, tc.payload, tc.compressed)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}

			f, err := Parse(dst[:n])
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}

			if f.CommandID != tc.cmdID {
				t.Errorf("CommandID = %#x, want %#x", f.CommandID, tc.cmdID)
			}
			if f.Compressed != tc.compressed {
				t.Errorf("Compressed = %v, want %v", f.Compressed, tc.compressed)
			}
			if !bytes.Equal(f.Payload, tc.payload) {
				t.Errorf("Payload = %v, want %v", f.Payload, tc.payload)
			}
		})
	}
}

func TestBuildPayloadTooLarge(t *testing.T) {
	dst := make([]byte, wire.MaxRawFrameSize+16)
	payload := bytes.Repeat([]byte{0x01}, wire.MaxPayloadSize+1)
	_, err := Build(dst, wire.ConsoleWrite, payload, false)
	if err != ErrPayloadTooLarge {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestBuildBufferTooSmall(t *testing.T) {
	dst := make([]byte, 4)
	_, err := Build(dst, wire.ConsoleWrite, []byte{0x01, 0x02}, false)
	if err != ErrBufferTooSmall {
		t.Errorf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestParseSingleBitMutationCausesCRCMismatch(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	dst := make([]byte, wire.FrameHeaderSize+len(payload)+wire.CRCTrailerSize)
	n, err := Build(dst, wire.ConsoleWrite, payload, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	mutated := append([]byte(nil), dst[:n]...)
	mutated[wire.FrameHeaderSize] ^= 0x01

	_, err = Parse(mutated)
	var pe *ParseError
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !asParseError(err, &pe) || pe.Kind != KindCRCMismatch {
		t.Errorf("expected KindCRCMismatch, got %v", err)
	}
}

func TestParsePayloadLengthMismatchIsMalformed(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	dst := make([]byte, wire.FrameHeaderSize+len(payload)+wire.CRCTrailerSize)
	n, err := Build(dst, wire.ConsoleWrite, payload, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// Truncate one payload byte without adjusting the declared length.
	truncated := append([]byte(nil), dst[:n]...)
	truncated = append(truncated[:wire.FrameHeaderSize+1], truncated[wire.FrameHeaderSize+2:]...)

	_, err = Parse(truncated)
	var pe *ParseError
	if !asParseError(err, &pe) || pe.Kind != KindMalformed {
		t.Errorf("expected KindMalformed, got %v", err)
	}
}

func TestParseOversizedFrameIsOverflow(t *testing.T) {
	oversized := make([]byte, wire.MaxRawFrameSize+1)
	_, err := Parse(oversized)
	var pe *ParseError
	if !asParseError(err, &pe) || pe.Kind != KindOverflow {
		t.Errorf("expected KindOverflow, got %v", err)
	}
}

func TestParseTooShortIsMalformed(t *testing.T) {
	_, err := Parse([]byte{wire.ProtocolVersion, 0x00})
	var pe *ParseError
	if !asParseError(err, &pe) || pe.Kind != KindMalformed {
		t.Errorf("expected KindMalformed, got %v", err)
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
