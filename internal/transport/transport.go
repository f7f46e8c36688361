// Package transport wraps a byte stream and owns all I/O with it
// (spec.md §4.4): it accumulates incoming bytes until a frame delimiter
// appears, decodes and hands off each completed frame, encodes and
// writes outgoing frames, remembers the most recently emitted encoded
// bytes for retransmission, and applies input-buffer watermark flow
// control. Grounded on the teacher's protocol.Transport (protocol/
// transport.go), generalized from Klipper's sync-byte resync to
// byte-stuffing resync and from a fixed message format to the
// frame/codec packages built alongside it.
package transport

import (
	"bridgelink/internal/codec"
	"bridgelink/internal/frame"
	"bridgelink/internal/wire"
)

// maxEncodedFrameSize bounds a single encoded-and-delimited packet:
// worst-case COBS expansion over the largest raw frame, plus the
// terminator (spec.md §3).
const maxEncodedFrameSize = wire.MaxRawFrameSize + wire.MaxRawFrameSize/254 + 2

// rxScratchSize is sized generously over one encoded frame so a partial
// read that straddles two packets still fits before the next delimiter
// is found.
const rxScratchSize = maxEncodedFrameSize * 2

// Stream is the byte-level I/O surface the transport consumes
// (spec.md §6). Available is a best-effort hint for flow control; a
// Stream that cannot report it returns 0, which disables the
// high-water/low-water logic gracefully (never-pause reads as always
// under the low-water mark).
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Available() int
}

// BaudSwitcher is implemented by streams that can restart at a new baud
// rate (spec.md §4.10, §6). Streams that cannot support this simply do
// not implement it; the transport checks with a type assertion.
type BaudSwitcher interface {
	End() error
	Begin(baud int) error
}

// FrameHandler receives one successfully decoded frame at a time from
// PollInbound. It must not block.
type FrameHandler func(f frame.Frame)

// DecodeErrorHandler is invoked when a delimited packet fails to decode
// (COBS error) or fails frame parsing; the error is codec.ErrDecode for
// codec-level framing errors and a *frame.ParseError for parse failures.
type DecodeErrorHandler func(err error)

// Transport owns a Stream and the fixed scratch buffers used to build,
// accumulate, and retransmit frames. codec.Encode and codec.Decode still
// allocate a new output slice for every emitted or received packet.
type Transport struct {
	stream Stream

	rx    [rxScratchSize]byte
	rxLen int

	buildScratch [wire.MaxRawFrameSize]byte
	lastSent     [maxEncodedFrameSize]byte
	lastSentLen  int

	inputBufferSize int
	highWater       int
	lowWater        int
	paused          bool
}

// New creates a Transport over stream. inputBufferSize is the capacity
// of the stream's input buffer as the caller understands it (used only
// for flow-control watermarks); pass 0 to disable flow control.
func New(stream Stream, inputBufferSize int) *Transport {
	t := &Transport{stream: stream, inputBufferSize: inputBufferSize}
	if inputBufferSize > 0 {
		t.highWater = inputBufferSize * 3 / 4
		t.lowWater = inputBufferSize / 4
	}
	return t
}

// PollInbound reads any newly available bytes from the stream,
// accumulates them, and for each complete delimited packet decodes and
// dispatches a Frame to onFrame, or reports a decode/parse error to
// onError. Returns the underlying Read error, if any.
func (t *Transport) PollInbound(onFrame FrameHandler, onError DecodeErrorHandler) error {
	var buf [256]byte
	n, err := t.stream.Read(buf[:])
	if n > 0 {
		t.accumulate(buf[:n], onError)
		t.drainPackets(onFrame, onError)
	}
	return err
}

// accumulate appends data to the rx scratch buffer. If it would not fit,
// the buffered bytes are dropped and codec.ErrDecode is reported —
// the byte-stuffing codec's self-synchronizing property means the next
// 0x00 in the stream still recovers framing.
func (t *Transport) accumulate(data []byte, onError DecodeErrorHandler) {
	if t.rxLen+len(data) > len(t.rx) {
		if onError != nil {
			onError(codec.ErrDecode)
		}
		t.rxLen = 0
		return
	}
	copy(t.rx[t.rxLen:], data)
	t.rxLen += len(data)
}

// drainPackets scans the rx scratch buffer for delimiters and processes
// each complete packet found, compacting consumed bytes afterward.
func (t *Transport) drainPackets(onFrame FrameHandler, onError DecodeErrorHandler) {
	start := 0
	for {
		delim := -1
		for i := start; i < t.rxLen; i++ {
			if t.rx[i] == wire.FrameDelimiter {
				delim = i
				break
			}
		}
		if delim < 0 {
			break
		}

		t.processPacket(t.rx[start:delim], onFrame, onError)
		start = delim + 1
	}

	if start > 0 {
		remaining := copy(t.rx[:], t.rx[start:t.rxLen])
		t.rxLen = remaining
	}
}

// processPacket decodes and parses a single delimited (delimiter
// already stripped) packet.
func (t *Transport) processPacket(block []byte, onFrame FrameHandler, onError DecodeErrorHandler) {
	if len(block) == 0 {
		return
	}

	decoded, err := codec.Decode(block, wire.MaxRawFrameSize)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}

	f, err := frame.Parse(decoded)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}

	if onFrame != nil {
		onFrame(f)
	}
}

// Emit builds, encodes, and writes a frame, remembering the encoded
// bytes for a possible Retransmit.
func (t *Transport) Emit(cmdID uint16, payload []byte, compressed bool) error {
	n, err := frame.Build(t.buildScratch[:], cmdID, payload, compressed)
	if err != nil {
		return err
	}

	encoded := codec.Encode(t.buildScratch[:n])
	copy(t.lastSent[:], encoded)
	t.lastSentLen = len(encoded)

	_, err = t.stream.Write(encoded)
	return err
}

// Retransmit re-sends the most recently Emit-ted encoded bytes verbatim.
// A no-op if nothing has been emitted yet.
func (t *Transport) Retransmit() error {
	if t.lastSentLen == 0 {
		return nil
	}
	_, err := t.stream.Write(t.lastSent[:t.lastSentLen])
	return err
}

// Flush flushes the underlying stream.
func (t *Transport) Flush() error {
	return t.stream.Flush()
}

// CheckFlowControl inspects the stream's reported input-buffer fill
// level against the configured watermarks and returns which control
// frame (if any) the caller should emit. It updates internal pause
// state so XOFF/XON are each reported at most once per crossing
// (spec.md §4.4).
func (t *Transport) CheckFlowControl() (emitXOFF, emitXON bool) {
	if t.inputBufferSize == 0 {
		return false, false
	}

	fill := t.stream.Available()
	switch {
	case !t.paused && fill >= t.highWater:
		t.paused = true
		return true, false
	case t.paused && fill <= t.lowWater:
		t.paused = false
		return false, true
	}
	return false, false
}

// SwitchBaud ends and restarts the underlying stream at newBaud if it
// implements BaudSwitcher (spec.md §4.10). Returns false if the stream
// does not support baud switching.
func (t *Transport) SwitchBaud(newBaud int) (bool, error) {
	bs, ok := t.stream.(BaudSwitcher)
	if !ok {
		return false, nil
	}
	if err := bs.End(); err != nil {
		return true, err
	}
	return true, bs.Begin(newBaud)
}
