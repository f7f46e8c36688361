//go:build tinygo

package critsec

import "runtime/interrupt"

// State is the saved interrupt mask restored by Exit.
type State = interrupt.State

// Enter masks interrupts and returns the previous mask.
func Enter() State {
	return interrupt.Disable()
}

// Exit restores the interrupt mask saved by Enter.
func Exit(state State) {
	interrupt.Restore(state)
}
