// Package router is the pure command-id categorizer (spec.md §4.11). It
// replaces the teacher's dynamic, mutex-guarded CommandRegistry
// (core/command.go) with a flat interface dispatch: the set of
// subsystems here is fixed and known at compile time (spec.md §9's
// design note against runtime polymorphism for a closed handler set),
// so categorization is a fixed chain of range comparisons
// (wire.CategoryOf) rather than a map lookup.
package router

import (
	"bridgelink/internal/frame"
	"bridgelink/internal/wire"
)

// Context is passed to exactly one Handler method per dispatched frame.
type Context struct {
	Frame       frame.Frame
	RawCommand  uint16
	IsDuplicate bool
	RequiresAck bool
}

// Handler is implemented by the nine subsystem categories. Methods must
// not block or call back into the engine's tick.
type Handler interface {
	Status(ctx Context)
	System(ctx Context)
	GPIO(ctx Context)
	Console(ctx Context)
	Datastore(ctx Context)
	Mailbox(ctx Context)
	Filesystem(ctx Context)
	Process(ctx Context)
	Unknown(ctx Context)
}

// Dispatch categorizes ctx.Frame.CommandID and calls the matching
// Handler method. It performs no allocation.
func Dispatch(h Handler, ctx Context) {
	switch wire.CategoryOf(ctx.Frame.CommandID) {
	case wire.CategoryStatus:
		h.Status(ctx)
	case wire.CategorySystem:
		h.System(ctx)
	case wire.CategoryGPIO:
		h.GPIO(ctx)
	case wire.CategoryConsole:
		h.Console(ctx)
	case wire.CategoryDatastore:
		h.Datastore(ctx)
	case wire.CategoryMailbox:
		h.Mailbox(ctx)
	case wire.CategoryFilesystem:
		h.Filesystem(ctx)
	case wire.CategoryProcess:
		h.Process(ctx)
	default:
		h.Unknown(ctx)
	}
}

// NewContext builds a Context from a parsed frame, looking up
// requires-ack via the shared wire table.
func NewContext(f frame.Frame, isDuplicate bool) Context {
	return Context{
		Frame:       f,
		RawCommand:  f.CommandID,
		IsDuplicate: isDuplicate,
		RequiresAck: wire.RequiresAck(f.CommandID),
	}
}
