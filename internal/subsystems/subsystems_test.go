package subsystems

import (
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"bridgelink/internal/frame"
	"bridgelink/internal/router"
	"bridgelink/internal/wire"
)

type recordingEmitter struct {
	cmdID   uint16
	payload []byte
	calls   int
}

func (e *recordingEmitter) Emit(cmdID uint16, payload []byte) error {
	e.cmdID = cmdID
	e.payload = payload
	e.calls++
	return nil
}

func newFixture() (*Reference, *recordingEmitter) {
	emitter := &recordingEmitter{}
	ref := New(emitter, VersionInfo{1, 2, 3}, func() uint64 { return 9999 }, nil)
	return ref, emitter
}

func dispatch(r *Reference, cmdID uint16, payload []byte, dup bool) {
	ctx := router.NewContext(frame.Frame{CommandID: cmdID, Payload: payload}, dup)
	router.Dispatch(r, ctx)
}

func TestGetVersionRespondsWithVersionTriple(t *testing.T) {
	r, e := newFixture()
	dispatch(r, wire.GetVersion, nil, false)
	if e.cmdID != wire.GetVersionResp {
		t.Fatalf("cmdID = %#x, want GET_VERSION_RESP", e.cmdID)
	}
	if len(e.payload) != 3 || e.payload[0] != 1 || e.payload[1] != 2 || e.payload[2] != 3 {
		t.Fatalf("payload = %v, want [1 2 3]", e.payload)
	}
}

func TestGetUptimeRespondsWithConfiguredValue(t *testing.T) {
	r, e := newFixture()
	dispatch(r, wire.GetUptime, nil, false)
	if e.cmdID != wire.GetUptimeResp {
		t.Fatalf("cmdID = %#x, want GET_UPTIME_RESP", e.cmdID)
	}
	got := binary.BigEndian.Uint64(e.payload)
	if got != 9999 {
		t.Fatalf("uptime = %d, want 9999", got)
	}
}

func TestDigitalWriteThenReadRoundTrips(t *testing.T) {
	r, e := newFixture()
	dispatch(r, wire.DigitalWrite, []byte{5, 1}, false)
	dispatch(r, wire.DigitalRead, []byte{5}, false)
	if e.cmdID != wire.DigitalReadResp {
		t.Fatalf("cmdID = %#x, want DIGITAL_READ_RESP", e.cmdID)
	}
	if e.payload[0] != 5 || e.payload[1] != 1 {
		t.Fatalf("payload = %v, want [5 1]", e.payload)
	}
}

func TestConsoleWriteIncrementsByteCountOnlyOnce(t *testing.T) {
	r, _ := newFixture()
	dispatch(r, wire.ConsoleWrite, []byte("abc"), false)
	if r.ConsoleByteCount() != 3 {
		t.Fatalf("count = %d, want 3", r.ConsoleByteCount())
	}

	dispatch(r, wire.ConsoleWrite, []byte("abc"), true) // duplicate delivery
	if r.ConsoleByteCount() != 3 {
		t.Fatalf("count after duplicate = %d, want 3 (scenario S4)", r.ConsoleByteCount())
	}
}

func TestDatastorePutThenGetRoundTripsThroughCBOR(t *testing.T) {
	r, e := newFixture()

	key := "greeting"
	encodedValue, err := cbor.Marshal("hello")
	if err != nil {
		t.Fatalf("cbor.Marshal failed: %v", err)
	}

	payload := append([]byte{byte(len(key))}, append([]byte(key), encodedValue...)...)
	dispatch(r, wire.DatastorePut, payload, false)

	dispatch(r, wire.DatastoreGet, []byte(key), false)
	if e.cmdID != wire.DatastoreGetResp {
		t.Fatalf("cmdID = %#x, want DATASTORE_GET_RESP", e.cmdID)
	}

	var got string
	if err := cbor.Unmarshal(e.payload, &got); err != nil {
		t.Fatalf("cbor.Unmarshal failed: %v", err)
	}
	if got != "hello" {
		t.Fatalf("value = %q, want %q", got, "hello")
	}
}

func TestDatastoreGetMissingKeyReportsError(t *testing.T) {
	r, _ := newFixture()
	var statuses []uint16
	r.statusCB = func(s uint16) { statuses = append(statuses, s) }

	dispatch(r, wire.DatastoreGet, []byte("missing"), false)
	if len(statuses) != 1 || statuses[0] != wire.StatusError {
		t.Fatalf("statuses = %v, want [StatusError]", statuses)
	}
}

func TestMailboxPushThenPopFIFO(t *testing.T) {
	r, e := newFixture()

	for _, v := range []string{"a", "b"} {
		encoded, _ := cbor.Marshal(v)
		dispatch(r, wire.MailboxPush, encoded, false)
	}

	dispatch(r, wire.MailboxPop, nil, false)
	var got string
	cbor.Unmarshal(e.payload, &got)
	if got != "a" {
		t.Fatalf("first pop = %q, want %q", got, "a")
	}

	dispatch(r, wire.MailboxPop, nil, false)
	cbor.Unmarshal(e.payload, &got)
	if got != "b" {
		t.Fatalf("second pop = %q, want %q", got, "b")
	}
}

func TestUnknownCommandReportsStatus(t *testing.T) {
	r, _ := newFixture()
	var statuses []uint16
	r.statusCB = func(s uint16) { statuses = append(statuses, s) }

	dispatch(r, wire.RangeEnd, nil, false)
	if len(statuses) != 1 || statuses[0] != wire.StatusCmdUnknown {
		t.Fatalf("statuses = %v, want [StatusCmdUnknown]", statuses)
	}
}
