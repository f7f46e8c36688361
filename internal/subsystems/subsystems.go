// Package subsystems provides reference implementations of the nine
// router.Handler categories for use by the host test harness
// (cmd/bridgehost) and as a template for a real MCU build. Business
// logic for real GPIO/filesystem/process access is explicitly out of
// scope for the core link engine (spec.md §1); what is specified is the
// narrow interface handlers consume to emit responses, which this
// package exercises with in-memory reference state. Grounded on the
// teacher's core/gpio.go (pin-state/flags shape) and core/commands.go
// (system query handlers), and on librescoot-bluetooth-service's
// pkg/service/helpers.go for the CBOR encode/decode pattern used by
// datastore and mailbox payloads.
package subsystems

import (
	"encoding/binary"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"bridgelink/internal/router"
	"bridgelink/internal/wire"
)

// Emitter is the narrow facade handlers use to send responses, avoiding
// a back-pointer into the link engine (spec.md §9's design note on
// cyclic ownership).
type Emitter interface {
	// Emit sends a non-critical frame immediately.
	Emit(cmdID uint16, payload []byte) error
}

// VersionInfo is returned by GET_VERSION.
type VersionInfo struct {
	Major, Minor, Patch uint8
}

// Reference is a router.Handler backed by in-memory state: a GPIO pin
// map, a CBOR-valued key/value datastore, a FIFO mailbox, a console
// byte counter, and trivial filesystem/process bookkeeping. It exists
// to exercise the router end to end; a real MCU build replaces each
// method body with hardware access while keeping the same interface.
type Reference struct {
	emitter Emitter
	version VersionInfo
	uptime  func() uint64

	mu         sync.Mutex
	pins       map[uint8]pinState
	datastore  map[string]interface{}
	mailbox    []interface{}
	consoleLen uint64
	files      map[uint8]string
	processes  map[uint32]bool
	statusCB   func(status uint16)
}

type pinState struct {
	mode   uint8
	digOut bool
	anaOut uint16
}

// New creates a reference handler. uptime supplies GET_UPTIME's value
// in milliseconds; statusCB, if non-nil, receives the status codes this
// handler reports without emitting a frame (malformed payloads, unknown
// commands outside the system category, missing datastore keys). The
// NOT_IMPLEMENTED reply of Status and the CMD_UNKNOWN reply of System go
// out as frames through the emitter and are not passed to statusCB.
func New(emitter Emitter, version VersionInfo, uptime func() uint64, statusCB func(status uint16)) *Reference {
	return &Reference{
		emitter:   emitter,
		version:   version,
		uptime:    uptime,
		pins:      make(map[uint8]pinState),
		datastore: make(map[string]interface{}),
		files:     make(map[uint8]string),
		processes: make(map[uint32]bool),
		statusCB:  statusCB,
	}
}

// ConsoleByteCount returns the number of console bytes received so far
// (used by tests to observe dedup behavior — scenario S4).
func (r *Reference) ConsoleByteCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consoleLen
}

func (r *Reference) emitStatus(status uint16) {
	if r.statusCB != nil {
		r.statusCB(status)
	}
}

// Status handles the STATUS category. The link engine owns most status
// emission (ACK/CRC_MISMATCH/etc.); inbound status frames reaching the
// router are otherwise unexpected and reported as not implemented.
func (r *Reference) Status(ctx router.Context) {
	r.emitter.Emit(wire.StatusNotImplemented, nil)
}

// System handles GET_VERSION, GET_UPTIME, GET_STATS, DEBUG_ECHO.
// LINK_SYNC/LINK_RESET/SET_BAUDRATE are intercepted by the link engine
// before reaching the router (they change engine state directly), so
// this handler only sees the remaining system queries.
func (r *Reference) System(ctx router.Context) {
	switch ctx.Frame.CommandID {
	case wire.GetVersion:
		payload := []byte{r.version.Major, r.version.Minor, r.version.Patch}
		r.emitter.Emit(wire.GetVersionResp, payload)

	case wire.GetUptime:
		var payload [8]byte
		binary.BigEndian.PutUint64(payload[:], r.uptime())
		r.emitter.Emit(wire.GetUptimeResp, payload[:])

	case wire.GetStats:
		r.mu.Lock()
		stats := []uint32{uint32(len(r.pins)), uint32(len(r.datastore)), uint32(len(r.mailbox))}
		r.mu.Unlock()
		var payload [12]byte
		for i, v := range stats {
			binary.BigEndian.PutUint32(payload[i*4:], v)
		}
		r.emitter.Emit(wire.GetStatsResp, payload[:])

	case wire.DebugEcho:
		r.emitter.Emit(wire.DebugEchoResp, ctx.Frame.Payload)

	default:
		r.emitter.Emit(wire.StatusCmdUnknown, nil)
	}
}

// GPIO handles SET_PIN_MODE, DIGITAL_WRITE, DIGITAL_READ, ANALOG_WRITE,
// ANALOG_READ.
func (r *Reference) GPIO(ctx router.Context) {
	p := ctx.Frame.Payload
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ctx.Frame.CommandID {
	case wire.SetPinMode:
		if len(p) < 2 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		pin := p[0]
		state := r.pins[pin]
		state.mode = p[1]
		r.pins[pin] = state

	case wire.DigitalWrite:
		if len(p) < 2 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		pin := p[0]
		state := r.pins[pin]
		state.digOut = p[1] != 0
		r.pins[pin] = state

	case wire.DigitalRead:
		if len(p) < 1 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		pin := p[0]
		state := r.pins[pin]
		val := byte(0)
		if state.digOut {
			val = 1
		}
		r.emitter.Emit(wire.DigitalReadResp, []byte{pin, val})

	case wire.AnalogWrite:
		if len(p) < 3 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		pin := p[0]
		state := r.pins[pin]
		state.anaOut = binary.BigEndian.Uint16(p[1:3])
		r.pins[pin] = state

	case wire.AnalogRead:
		if len(p) < 1 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		pin := p[0]
		state := r.pins[pin]
		var payload [3]byte
		payload[0] = pin
		binary.BigEndian.PutUint16(payload[1:], state.anaOut)
		r.emitter.Emit(wire.AnalogReadResp, payload[:])

	default:
		r.emitStatus(wire.StatusCmdUnknown)
	}
}

// Console handles CONSOLE_WRITE/CONSOLE_READ.
func (r *Reference) Console(ctx router.Context) {
	switch ctx.Frame.CommandID {
	case wire.ConsoleWrite:
		r.mu.Lock()
		if !ctx.IsDuplicate {
			r.consoleLen += uint64(len(ctx.Frame.Payload))
		}
		r.mu.Unlock()

	case wire.ConsoleRead:
		r.emitter.Emit(wire.ConsoleReadResp, nil)

	default:
		r.emitStatus(wire.StatusCmdUnknown)
	}
}

// Datastore handles DATASTORE_GET/PUT/DELETE. Stored values are decoded
// from and re-encoded to CBOR at this boundary, matching
// librescoot-bluetooth-service's writeUARTMessage/HandleUSockMessage
// pattern of keeping the wire payload CBOR and the in-process value a
// plain Go interface{}. The frame/transport/router layers above never
// see CBOR — only this subsystem boundary does.
func (r *Reference) Datastore(ctx router.Context) {
	p := ctx.Frame.Payload

	switch ctx.Frame.CommandID {
	case wire.DatastoreGet:
		key := string(p)
		r.mu.Lock()
		val, ok := r.datastore[key]
		r.mu.Unlock()
		if !ok {
			r.emitStatus(wire.StatusError)
			return
		}
		encoded, err := cbor.Marshal(val)
		if err != nil {
			r.emitStatus(wire.StatusError)
			return
		}
		r.emitter.Emit(wire.DatastoreGetResp, encoded)

	case wire.DatastorePut:
		if len(p) < 1 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		keyLen := int(p[0])
		if len(p) < 1+keyLen {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		key := string(p[1 : 1+keyLen])

		var value interface{}
		if err := cbor.Unmarshal(p[1+keyLen:], &value); err != nil {
			r.emitStatus(wire.StatusMalformed)
			return
		}

		if !ctx.IsDuplicate {
			r.mu.Lock()
			r.datastore[key] = value
			r.mu.Unlock()
		}

	case wire.DatastoreDelete:
		key := string(p)
		r.mu.Lock()
		delete(r.datastore, key)
		r.mu.Unlock()

	default:
		r.emitStatus(wire.StatusCmdUnknown)
	}
}

// Mailbox handles MAILBOX_PUSH/POP, a FIFO of CBOR-decoded messages
// with no capacity limit (same boundary convention as Datastore).
func (r *Reference) Mailbox(ctx router.Context) {
	switch ctx.Frame.CommandID {
	case wire.MailboxPush:
		var msg interface{}
		if err := cbor.Unmarshal(ctx.Frame.Payload, &msg); err != nil {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		if !ctx.IsDuplicate {
			r.mu.Lock()
			r.mailbox = append(r.mailbox, msg)
			r.mu.Unlock()
		}

	case wire.MailboxPop:
		r.mu.Lock()
		var msg interface{}
		if len(r.mailbox) > 0 {
			msg = r.mailbox[0]
			r.mailbox = r.mailbox[1:]
		}
		r.mu.Unlock()

		var payload []byte
		if msg != nil {
			encoded, err := cbor.Marshal(msg)
			if err == nil {
				payload = encoded
			}
		}
		r.emitter.Emit(wire.MailboxPopResp, payload)

	default:
		r.emitStatus(wire.StatusCmdUnknown)
	}
}

// Filesystem handles FILE_OPEN/READ/WRITE/CLOSE against an in-memory
// handle table; a real build backs this with actual file descriptors.
func (r *Reference) Filesystem(ctx router.Context) {
	p := ctx.Frame.Payload

	switch ctx.Frame.CommandID {
	case wire.FileOpen:
		r.mu.Lock()
		var handle uint8
		for used := r.files; ; handle++ {
			if _, taken := used[handle]; !taken {
				break
			}
		}
		r.files[handle] = string(p)
		r.mu.Unlock()
		r.emitter.Emit(wire.FileOpenResp, []byte{handle})

	case wire.FileRead:
		r.emitter.Emit(wire.FileReadResp, nil)

	case wire.FileWrite:
		if len(p) < 1 {
			r.emitStatus(wire.StatusMalformed)
			return
		}

	case wire.FileClose:
		if len(p) < 1 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		r.mu.Lock()
		delete(r.files, p[0])
		r.mu.Unlock()

	default:
		r.emitStatus(wire.StatusCmdUnknown)
	}
}

// Process handles PROCESS_SPAWN/KILL/STATUS against an in-memory table
// of live pids; a real build execs actual processes.
func (r *Reference) Process(ctx router.Context) {
	p := ctx.Frame.Payload

	switch ctx.Frame.CommandID {
	case wire.ProcessSpawn:
		r.mu.Lock()
		pid := uint32(len(r.processes) + 1)
		r.processes[pid] = true
		r.mu.Unlock()
		var payload [4]byte
		binary.BigEndian.PutUint32(payload[:], pid)
		r.emitter.Emit(wire.ProcessSpawnResp, payload[:])

	case wire.ProcessKill:
		if len(p) < 4 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		pid := binary.BigEndian.Uint32(p)
		r.mu.Lock()
		delete(r.processes, pid)
		r.mu.Unlock()

	case wire.ProcessStatus:
		if len(p) < 4 {
			r.emitStatus(wire.StatusMalformed)
			return
		}
		pid := binary.BigEndian.Uint32(p)
		r.mu.Lock()
		alive := r.processes[pid]
		r.mu.Unlock()
		val := byte(0)
		if alive {
			val = 1
		}
		var payload [5]byte
		binary.BigEndian.PutUint32(payload[:4], pid)
		payload[4] = val
		r.emitter.Emit(wire.ProcessStatusResp, payload[:])

	default:
		r.emitStatus(wire.StatusCmdUnknown)
	}
}

// Unknown handles any command id outside the declared ranges.
func (r *Reference) Unknown(ctx router.Context) {
	r.emitStatus(wire.StatusCmdUnknown)
}
