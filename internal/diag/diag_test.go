package diag

import "testing"

func TestPrintlnNoopWhenDisabled(t *testing.T) {
	var r Recorder
	var got string
	r.SetWriter(func(s string) { got = s })
	r.Println("should not appear")
	if got != "" {
		t.Errorf("Println wrote output while disabled: %q", got)
	}
}

func TestPrintlnWritesWhenEnabled(t *testing.T) {
	var r Recorder
	var got string
	r.SetWriter(func(s string) { got = s })
	r.SetEnabled(true)
	r.Println("hello")
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestRecordAndDumpWrapsAroundRing(t *testing.T) {
	var r Recorder
	var lines []string
	r.SetWriter(func(s string) { lines = append(lines, s) })

	for i := 0; i < ringSize+5; i++ {
		r.Record(EventAckTimeout, uint16(i), uint32(i))
	}

	r.Dump()
	// header + ringSize entries + footer
	if len(lines) != ringSize+2 {
		t.Fatalf("got %d lines, want %d", len(lines), ringSize+2)
	}
}

func TestClearEmptiesRing(t *testing.T) {
	var r Recorder
	var lines []string
	r.SetWriter(func(s string) { lines = append(lines, s) })

	r.Record(EventCRCMismatch, 1, 1)
	r.Clear()
	r.Dump()

	if len(lines) != 2 {
		t.Fatalf("got %d lines after Clear, want 2 (header+footer only)", len(lines))
	}
}

func TestEventKindString(t *testing.T) {
	if EventSafeStateEntered.String() != "SAFE_STATE" {
		t.Errorf("got %q", EventSafeStateEntered.String())
	}
	if EventNone.String() != "NONE" {
		t.Errorf("got %q", EventNone.String())
	}
}
