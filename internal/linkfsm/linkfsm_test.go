package linkfsm

import "testing"

func TestInitialStateIsUnsynchronized(t *testing.T) {
	var m Machine
	if m.State() != Unsynchronized {
		t.Fatalf("initial state = %v, want Unsynchronized", m.State())
	}
}

func TestHandshakeCompleteEntersIdle(t *testing.T) {
	var m Machine
	if !m.Apply(HandshakeComplete) {
		t.Fatal("expected transition")
	}
	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle", m.State())
	}
}

func TestHandshakeFailedEntersFault(t *testing.T) {
	var m Machine
	m.Apply(HandshakeFailed)
	if m.State() != Fault {
		t.Fatalf("state = %v, want Fault", m.State())
	}
}

func TestSendCriticalFromIdleEntersAwaitingAck(t *testing.T) {
	var m Machine
	m.Apply(HandshakeComplete)
	m.Apply(SendCritical)
	if m.State() != AwaitingAck {
		t.Fatalf("state = %v, want AwaitingAck", m.State())
	}
}

func TestSendCriticalWhileAwaitingAckDoesNotTransition(t *testing.T) {
	var m Machine
	m.Apply(HandshakeComplete)
	m.Apply(SendCritical)
	changed := m.Apply(SendCritical)
	if changed {
		t.Fatal("queued SendCritical should not report a transition")
	}
	if m.State() != AwaitingAck {
		t.Fatalf("state = %v, want AwaitingAck", m.State())
	}
}

func TestAckReceivedReturnsToIdle(t *testing.T) {
	var m Machine
	m.Apply(HandshakeComplete)
	m.Apply(SendCritical)
	m.Apply(AckReceived)
	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle", m.State())
	}
}

func TestTimeoutFromAwaitingAckReturnsToUnsynchronized(t *testing.T) {
	var m Machine
	m.Apply(HandshakeComplete)
	m.Apply(SendCritical)
	m.Apply(Timeout)
	if m.State() != Unsynchronized {
		t.Fatalf("state = %v, want Unsynchronized", m.State())
	}
}

func TestCryptoFaultFromAnyStateEntersFault(t *testing.T) {
	states := []Event{HandshakeComplete, Reset}
	for _, seed := range states {
		var m Machine
		m.Apply(seed)
		m.Apply(CryptoFault)
		if m.State() != Fault {
			t.Fatalf("state = %v, want Fault", m.State())
		}
	}
}

func TestOnlyResetLeavesFault(t *testing.T) {
	var m Machine
	m.Apply(HandshakeFailed)
	for _, ev := range []Event{HandshakeComplete, SendCritical, AckReceived, Timeout, CryptoFault} {
		m.Apply(ev)
		if m.State() != Fault {
			t.Fatalf("event %v left Fault: state = %v", ev, m.State())
		}
	}
	m.Apply(Reset)
	if m.State() != Unsynchronized {
		t.Fatalf("Reset from Fault = %v, want Unsynchronized", m.State())
	}
}

func TestResetFromIdleReturnsToUnsynchronized(t *testing.T) {
	var m Machine
	m.Apply(HandshakeComplete)
	m.Apply(Reset)
	if m.State() != Unsynchronized {
		t.Fatalf("state = %v, want Unsynchronized", m.State())
	}
}

func TestSynchronizedUnion(t *testing.T) {
	if Unsynchronized.Synchronized() || Fault.Synchronized() {
		t.Fatal("Unsynchronized/Fault must not report Synchronized")
	}
	if !Idle.Synchronized() || !AwaitingAck.Synchronized() {
		t.Fatal("Idle/AwaitingAck must report Synchronized")
	}
}
