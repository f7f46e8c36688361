// Package linkfsm implements the link lifecycle state machine (spec.md
// §4.6) as a flat tagged variant plus a transition function, replacing
// the deep inheritance / virtual-dispatch hierarchy the teacher's own
// shutdown/firmware-state handling warns against (core/commands.go's
// FirmwareState is a similar flat-enum approach).
package linkfsm

// State is one of the four link lifecycle states.
type State uint8

const (
	// Unsynchronized is the initial state and the target of any reset.
	Unsynchronized State = iota
	// Idle: synchronized, no frame in flight.
	Idle
	// AwaitingAck: synchronized, one critical frame outstanding.
	AwaitingAck
	// Fault is the safety terminal state; only Reset leaves it.
	Fault
)

func (s State) String() string {
	switch s {
	case Unsynchronized:
		return "Unsynchronized"
	case Idle:
		return "Idle"
	case AwaitingAck:
		return "AwaitingAck"
	case Fault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// Synchronized reports whether s is one of the logical Synchronized
// union members (spec.md §3).
func (s State) Synchronized() bool {
	return s == Idle || s == AwaitingAck
}

// Event is one of the seven events the transition table recognizes.
type Event uint8

const (
	HandshakeComplete Event = iota
	HandshakeFailed
	SendCritical
	AckReceived
	Timeout
	Reset
	CryptoFault
)

// Machine holds the current state. The zero value starts Unsynchronized,
// matching the link's power-on state.
type Machine struct {
	state State
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Apply evaluates event against the current state per the transition
// table in spec.md §4.6 and updates m's state in place. It returns
// whether the state actually changed, since SendCritical while
// AwaitingAck is a legal event that enqueues work without transitioning.
func (m *Machine) Apply(event Event) (changed bool) {
	next, ok := transition(m.state, event)
	if !ok {
		return false
	}
	if next == m.state {
		return false
	}
	m.state = next
	return true
}

// transition returns the target state for (from, event), or ok=false if
// the event has no effect in that state (the table cell is "—").
func transition(from State, event Event) (State, bool) {
	switch from {
	case Unsynchronized:
		switch event {
		case HandshakeComplete:
			return Idle, true
		case HandshakeFailed, CryptoFault:
			return Fault, true
		}
	case Idle:
		switch event {
		case SendCritical:
			return AwaitingAck, true
		case Reset:
			return Unsynchronized, true
		case CryptoFault:
			return Fault, true
		}
	case AwaitingAck:
		switch event {
		case SendCritical:
			// Queued: legal, no transition (front frame unchanged).
			return AwaitingAck, false
		case AckReceived:
			return Idle, true
		case Timeout, Reset:
			return Unsynchronized, true
		case CryptoFault:
			return Fault, true
		}
	case Fault:
		if event == Reset {
			return Unsynchronized, true
		}
	}
	return from, false
}
