// Package bridge is the link engine: the single composition root tying
// together the codec, frame, transport, timer, FSM, TX queue, router,
// security, compression, and diagnostics packages into the cooperative
// tick(dt_ms) loop described by the shared protocol. It plays the role
// the teacher's core package plays for its stepper subsystem — no
// dynamic dispatch between components, a single owning struct, a single
// entry point driven by the caller's main loop — generalized from motion
// control to an authenticated point-to-point link.
package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"

	"bridgelink/internal/critsec"
	"bridgelink/internal/diag"
	"bridgelink/internal/frame"
	"bridgelink/internal/linkfsm"
	"bridgelink/internal/rle"
	"bridgelink/internal/router"
	"bridgelink/internal/sched"
	"bridgelink/internal/security"
	"bridgelink/internal/transport"
	"bridgelink/internal/txqueue"
	"bridgelink/internal/wire"
)

// Errors returned by Send and the handshake entry points.
var (
	ErrFault               = errors.New("bridge: link is in fault state")
	ErrNotSynchronized     = errors.New("bridge: link is not synchronized")
	ErrSuspended           = errors.New("bridge: link suspended during baud change")
	ErrAlreadySynchronized = errors.New("bridge: handshake already in progress or link already synchronized")
)

// dedupSlots bounds the fixed-size recently-seen-frame table used for RX
// deduplication (spec.md §4.8). A handful of slots is enough since only
// one critical frame is ever in flight from the peer's perspective at a
// time; this mirrors internal/sched's fixed-array-over-linked-list
// choice for the same reason (small, closed cardinality, no allocation).
const dedupSlots = 8

type dedupEntry struct {
	valid       bool
	cmdID       uint16
	crc         uint32
	timestampMs uint32
}

// Config configures a new Engine. Zero values for timing fields are used
// verbatim (a caller wanting the protocol defaults should set them to
// wire.DefaultAckTimeoutMs etc. explicitly) — unlike the wire-triggered
// LINK_RESET reconfiguration path (spec.md §8 scenario S7), construction
// time has no "invalid value falls back to default" behavior, since a
// caller may legitimately want AckRetryLimit=0 for a test harness.
type Config struct {
	// Stream is the byte-level I/O surface the transport owns exclusively.
	Stream transport.Stream
	// InputBufferSize sizes flow-control watermarks; 0 disables flow control.
	InputBufferSize int
	// TXQueueCapacity is clamped up to txqueue.MinCapacity.
	TXQueueCapacity int
	// Handler receives dispatched frames; nil drops anything not
	// intercepted by the engine itself (handshake/reset/baud/ack).
	Handler router.Handler
	// Secret is the shared handshake secret; empty selects
	// non-authenticated (development) mode.
	Secret []byte

	AckTimeoutMs      uint32
	AckRetryLimit     uint32
	ResponseTimeoutMs uint32

	// StatusCallback observes every error/timeout status the engine
	// reports, synchronized or not (spec.md §6). STATUS_ACK frames are
	// not reported to it.
	StatusCallback func(status uint16)
	// DiagWriter receives human-readable diagnostic lines; nil disables
	// textual output (the event ring buffer is always recorded).
	DiagWriter diag.Writer
}

// Engine is the link state machine, TX queue, timers, and transport
// composed into one owner, matching the single-threaded cooperative
// model of spec.md §5: every externally visible state change happens
// inside Tick or a callback invoked synchronously from it.
type Engine struct {
	transport *transport.Transport
	fsm       linkfsm.Machine
	queue     *txqueue.Queue
	timers    sched.Scheduler
	handler   router.Handler
	diagRec   diag.Recorder

	secret []byte
	key    [32]byte // HKDF-derived HMAC key; zeroized by Close

	statusCB func(status uint16)

	ackTimeoutMs      uint32
	ackRetryLimit     uint32
	responseTimeoutMs uint32
	retryCount        uint32
	lastCommandID     uint16

	crcErrorStreak int
	stabilized     bool

	dedup     [dedupSlots]dedupEntry
	dedupNext int
	nowMs     uint32

	nonce             [wire.HandshakeNonceLen]byte
	handshakeInFlight bool

	baudPending int
	suspended   bool
}

// New creates an Engine over cfg. Callers must still invoke Begin before
// any traffic is processed.
func New(cfg Config) *Engine {
	e := &Engine{
		transport:         transport.New(cfg.Stream, cfg.InputBufferSize),
		queue:             txqueue.New(cfg.TXQueueCapacity),
		handler:           cfg.Handler,
		secret:            append([]byte(nil), cfg.Secret...),
		statusCB:          cfg.StatusCallback,
		ackTimeoutMs:      cfg.AckTimeoutMs,
		ackRetryLimit:     cfg.AckRetryLimit,
		responseTimeoutMs: cfg.ResponseTimeoutMs,
	}
	e.diagRec.SetWriter(cfg.DiagWriter)
	e.diagRec.SetEnabled(cfg.DiagWriter != nil)
	return e
}

// Begin runs the cryptographic self-test (spec.md §4.9's POST), derives
// the handshake key if a secret was configured, and arms the startup
// stabilization and RX-dedup-reset timers. On self-test failure the FSM
// enters Fault and the error is returned; callers must not proceed to
// initialize I/O in that case.
func (e *Engine) Begin() error {
	if err := security.SelfTest(); err != nil {
		e.fsm.Apply(linkfsm.CryptoFault)
		e.diagRec.Record(diag.EventHandshakeFailed, 0, 0)
		return err
	}

	if len(e.secret) > 0 {
		if err := security.DeriveKey(e.key[:], e.secret); err != nil {
			e.fsm.Apply(linkfsm.CryptoFault)
			return err
		}
	}

	e.timers.Arm(sched.StartupStabilization, wire.StartupStabilizationMs, e.onStartupStabilized)
	e.timers.Arm(sched.RxDedupe, wire.RxDedupIntervalMs, e.onRxDedupeTick)
	return nil
}

// Close zeroizes the derived key and the engine's private copy of the
// shared secret (spec.md §5's "must be zeroized... on teardown"). The
// engine must not be used afterward.
func (e *Engine) Close() {
	for i := range e.key {
		e.key[i] = 0
	}
	for i := range e.secret {
		e.secret[i] = 0
	}
}

// Emit implements subsystems.Emitter by forwarding to Send, so a
// Handler can hold the Engine itself as its narrow emit facade without
// a back-pointer into engine internals (spec.md §9).
func (e *Engine) Emit(cmdID uint16, payload []byte) error {
	return e.Send(cmdID, payload)
}

// SetHandler installs the command router.Handler invoked for inbound
// frames. Separate from Config because a Handler built on top of the
// Engine's own Emitter (internal/subsystems) needs the Engine to exist
// first.
func (e *Engine) SetHandler(h router.Handler) {
	e.handler = h
}

// State returns the current link FSM state.
func (e *Engine) State() linkfsm.State { return e.fsm.State() }

// QueueLen returns the number of critical frames currently queued.
func (e *Engine) QueueLen() int { return e.queue.Len() }

func (e *Engine) onStartupStabilized() {
	e.stabilized = true
}

func (e *Engine) onRxDedupeTick() {
	e.clearDedup()
	e.timers.Arm(sched.RxDedupe, wire.RxDedupIntervalMs, e.onRxDedupeTick)
}

// Tick drives the entire engine: it polls the transport for inbound
// frames, advances all timers, and checks flow control. dtMs is the
// elapsed time since the previous Tick; the timer service caps it
// internally (spec.md §4.5).
func (e *Engine) Tick(dtMs uint32) {
	e.nowMs += dtMs

	if err := e.transport.PollInbound(e.onFrame, e.onDecodeError); err != nil {
		e.diagRec.Println("transport read error: " + err.Error())
	}

	e.timers.Tick(dtMs)

	if xoff, xon := e.transport.CheckFlowControl(); xoff {
		e.transmitDirect(wire.FlowXoff, nil)
		e.diagRec.Record(diag.EventFlowControl, wire.FlowXoff, 0)
	} else if xon {
		e.transmitDirect(wire.FlowXon, nil)
		e.diagRec.Record(diag.EventFlowControl, wire.FlowXon, 0)
	}
}

// Send implements the outbound filter of spec.md §4.7: frames are
// dropped in Fault, restricted to the handshake whitelist while
// Unsynchronized, sent immediately if non-critical, and otherwise
// enqueued and flushed if no frame is currently in flight.
func (e *Engine) Send(cmdID uint16, payload []byte) error {
	state := critsec.Enter()
	defer critsec.Exit(state)

	switch e.fsm.State() {
	case linkfsm.Fault:
		return ErrFault
	case linkfsm.Unsynchronized:
		if !wire.IsHandshakeWhitelisted(cmdID) {
			return ErrNotSynchronized
		}
		return e.transmitDirect(cmdID, payload)
	}

	if !wire.RequiresAck(cmdID) {
		return e.transmitDirect(cmdID, payload)
	}

	if len(payload) > wire.MaxPayloadSize {
		return txqueue.ErrPayloadTooLarge
	}
	if err := e.queue.Push(cmdID, payload); err != nil {
		return err
	}
	e.attemptFlush()
	return nil
}

// attemptFlush applies the SendCritical event to the FSM; a transition
// (Idle -> AwaitingAck) means the queue front was not already in
// flight, so it is transmitted and the ACK timer armed. No transition
// means either the queue is already draining (AwaitingAck) or the FSM
// rejects sends outright (Fault/Unsynchronized, which Send already
// guards against before enqueueing).
func (e *Engine) attemptFlush() {
	if e.queue.IsEmpty() || e.suspended {
		return
	}
	if !e.fsm.Apply(linkfsm.SendCritical) {
		return
	}

	front := e.queue.Front()
	e.lastCommandID = front.CommandID
	e.retryCount = 0
	e.transmitDirect(front.CommandID, front.Payload[:front.PayloadLength])
	e.armAckTimeout()
}

func (e *Engine) armAckTimeout() {
	e.timers.Arm(sched.AckTimeout, e.ackTimeoutMs, e.onAckTimeout)
}

func (e *Engine) retransmitFront() {
	e.transport.Retransmit()
	e.retryCount++
	e.armAckTimeout()
}

func (e *Engine) onAckTimeout() {
	if e.fsm.State() != linkfsm.AwaitingAck {
		return
	}
	if e.retryCount < e.ackRetryLimit {
		e.retransmitFront()
		e.diagRec.Record(diag.EventRetry, e.lastCommandID, e.retryCount)
		return
	}

	e.emitStatus(wire.StatusTimeout)
	e.diagRec.Record(diag.EventAckTimeout, e.lastCommandID, e.retryCount)
	e.enterSafeState(linkfsm.Timeout)
}

// handleAck processes an inbound STATUS_ACK frame (spec.md §4.8).
func (e *Engine) handleAck(payload []byte) {
	if e.fsm.State() != linkfsm.AwaitingAck {
		return
	}
	if !e.matchesInFlight(payload) {
		return
	}

	e.timers.Cancel(sched.AckTimeout)
	e.queue.Pop()
	e.retryCount = 0
	e.fsm.Apply(linkfsm.AckReceived)
	e.attemptFlush()
}

// handleMalformedRetry processes an inbound STATUS_MALFORMED frame that
// names the in-flight command (or is a wildcard), triggering an
// immediate retransmit. The retransmit counts toward ackRetryLimit and
// re-arms the ACK timer, but never itself enters safe state.
func (e *Engine) handleMalformedRetry(payload []byte) {
	if e.fsm.State() != linkfsm.AwaitingAck {
		return
	}
	if !e.matchesInFlight(payload) {
		return
	}
	e.retransmitFront()
	e.diagRec.Record(diag.EventRetry, e.lastCommandID, e.retryCount)
}

// matchesInFlight reports whether payload is empty (wildcard) or names
// e.lastCommandID as a big-endian u16.
func (e *Engine) matchesInFlight(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	if len(payload) < 2 {
		return false
	}
	return binary.BigEndian.Uint16(payload) == e.lastCommandID
}

// enterSafeState implements spec.md §4.13: stop the ACK and baud-change
// timers (the startup-stabilization timer is not cancelled), clear the
// TX queue and dedup state, zero the in-flight command id, retry counter
// and CRC error streak, and return to Unsynchronized (unless already Fault, in
// which case event is still applied but transition() leaves Fault
// untouched for any event but Reset).
func (e *Engine) enterSafeState(event linkfsm.Event) {
	e.timers.Cancel(sched.AckTimeout)
	e.timers.Cancel(sched.BaudrateChange)
	e.queue.Clear()
	e.clearDedup()
	e.lastCommandID = 0
	e.retryCount = 0
	e.crcErrorStreak = 0
	e.suspended = false
	e.fsm.Apply(event)
}

func (e *Engine) clearDedup() {
	for i := range e.dedup {
		e.dedup[i] = dedupEntry{}
	}
	e.dedupNext = 0
}

// isDuplicate matches spec.md §4.8: a frame is a duplicate only if its
// cmdID+CRC matches a recently-seen entry AND the elapsed time since
// that entry was recorded falls within [ack_timeout_ms, ack_timeout_ms
// * (retry_limit+1)] — the window a genuine peer retransmission would
// land in. An identical frame arriving faster than ack_timeout_ms (or
// long after the retry budget would have been exhausted) is treated as
// a new command, not a duplicate.
func (e *Engine) isDuplicate(cmdID uint16, crc uint32) bool {
	lower := e.ackTimeoutMs
	upper := e.ackTimeoutMs * (e.ackRetryLimit + 1)
	for _, entry := range e.dedup {
		if !entry.valid || entry.cmdID != cmdID || entry.crc != crc {
			continue
		}
		elapsed := e.nowMs - entry.timestampMs
		if elapsed >= lower && elapsed <= upper {
			return true
		}
	}
	return false
}

func (e *Engine) recordDedup(cmdID uint16, crc uint32) {
	for i := range e.dedup {
		if e.dedup[i].valid && e.dedup[i].cmdID == cmdID {
			e.dedup[i].crc = crc
			e.dedup[i].timestampMs = e.nowMs
			return
		}
	}
	e.dedup[e.dedupNext] = dedupEntry{valid: true, cmdID: cmdID, crc: crc, timestampMs: e.nowMs}
	e.dedupNext = (e.dedupNext + 1) % dedupSlots
}

// onFrame is the transport.FrameHandler invoked for each successfully
// decoded inbound frame.
func (e *Engine) onFrame(f frame.Frame) {
	state := critsec.Enter()
	defer critsec.Exit(state)

	e.crcErrorStreak = 0

	if f.Compressed {
		decoded, err := rle.Decompress(f.Payload)
		if err != nil {
			e.emitStatus(wire.StatusMalformed)
			return
		}
		f.Payload = decoded
	}

	switch f.CommandID {
	case wire.LinkSync:
		e.handleLinkSync(f.Payload)
		return
	case wire.LinkSyncResp:
		e.handleLinkSyncResp(f.Payload)
		return
	case wire.LinkReset:
		e.handleLinkReset(f.Payload)
		return
	case wire.SetBaudrate:
		e.handleSetBaudrate(f.Payload)
		return
	case wire.StatusAck:
		e.handleAck(f.Payload)
		return
	case wire.StatusMalformed:
		e.handleMalformedRetry(f.Payload)
		return
	}

	if e.fsm.State() == linkfsm.Unsynchronized {
		return // non-whitelisted traffic is dropped until handshake completes
	}

	if wire.RequiresAck(f.CommandID) {
		if e.isDuplicate(f.CommandID, f.CRC) {
			e.emitAckFor(f.CommandID)
			return
		}
		e.recordDedup(f.CommandID, f.CRC)
		e.dispatch(f)
		e.emitAckFor(f.CommandID)
		return
	}

	e.dispatch(f)
}

func (e *Engine) dispatch(f frame.Frame) {
	if e.handler == nil {
		return
	}
	router.Dispatch(e.handler, router.NewContext(f, false))
}

func (e *Engine) emitAckFor(cmdID uint16) {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], cmdID)
	e.transmitDirect(wire.StatusAck, payload[:])
}

// emitStatus invokes the status callback unconditionally and, while
// Synchronized, also emits the corresponding status frame on the wire
// (spec.md §7: framing/protocol errors are recovered locally while
// Synchronized; an Unsynchronized link has nothing to report a status
// frame to yet).
func (e *Engine) emitStatus(status uint16) {
	if e.statusCB != nil {
		e.statusCB(status)
	}
	if e.fsm.State().Synchronized() {
		e.transmitDirect(status, nil)
	}
}

// onDecodeError is the transport.DecodeErrorHandler for framing
// failures: codec-level resync errors and frame.ParseError all funnel
// through here, classified the way spec.md §4.3/§7 distinguish them.
func (e *Engine) onDecodeError(err error) {
	kind := frame.KindMalformed
	if pe, ok := err.(*frame.ParseError); ok {
		kind = pe.Kind
	}

	switch kind {
	case frame.KindCRCMismatch:
		e.crcErrorStreak++
		e.diagRec.Record(diag.EventCRCMismatch, 0, uint32(e.crcErrorStreak))
		e.emitStatus(wire.StatusCRCMismatch)
		if e.crcErrorStreak >= wire.MaxConsecutiveCRCErrors {
			e.diagRec.Record(diag.EventSafeStateEntered, 0, 0)
			e.enterSafeState(linkfsm.Reset)
		}
	case frame.KindOverflow:
		e.emitStatus(wire.StatusOverflow)
	default:
		e.emitStatus(wire.StatusMalformed)
	}
}

// transmitDirect compresses payload if it clears the cheap heuristic and
// shrinks, then hands it to the transport. Used for non-critical sends,
// status/ACK frames, and the actual wire transmission of a queued
// critical frame's front element.
func (e *Engine) transmitDirect(cmdID uint16, payload []byte) error {
	if e.suspended {
		return ErrSuspended
	}

	out := payload
	compressed := false
	if rle.ShouldCompress(len(payload)) {
		if c := rle.Compress(payload); len(c) < len(payload) {
			out = c
			compressed = true
		}
	}
	return e.transport.Emit(cmdID, out, compressed)
}

// handleLinkSync responds to an inbound LINK_SYNC as the handshake
// responder (spec.md §4.9, scenario S1): echoes the nonce, appends the
// HMAC tag if a secret is configured, and completes the handshake.
func (e *Engine) handleLinkSync(nonce []byte) {
	if !e.stabilized {
		return // spec.md §4.5: handshake may not begin before stabilization
	}
	if len(nonce) != wire.HandshakeNonceLen {
		e.emitStatus(wire.StatusMalformed)
		return
	}

	var resp [wire.HandshakeNonceLen + wire.HandshakeTagLen]byte
	n := copy(resp[:], nonce)

	if len(e.secret) > 0 {
		var tag [security.TagLen]byte
		security.Tag(tag[:], e.key[:], nonce)
		n += copy(resp[n:], tag[:])
	}

	e.transmitDirect(wire.LinkSyncResp, resp[:n])
	e.fsm.Apply(linkfsm.HandshakeComplete)
	e.diagRec.Record(diag.EventHandshakeComplete, wire.LinkSync, 0)
}

// BeginHandshake sends LINK_SYNC as the handshake initiator, remembering
// nonce for validating the eventual LINK_SYNC_RESP.
func (e *Engine) BeginHandshake(nonce [wire.HandshakeNonceLen]byte) error {
	if e.fsm.State() != linkfsm.Unsynchronized {
		return ErrAlreadySynchronized
	}
	e.nonce = nonce
	e.handshakeInFlight = true
	return e.transmitDirect(wire.LinkSync, e.nonce[:])
}

// handleLinkSyncResp validates a LINK_SYNC_RESP received as the
// handshake initiator.
func (e *Engine) handleLinkSyncResp(payload []byte) {
	if !e.handshakeInFlight {
		return
	}
	e.handshakeInFlight = false

	if len(payload) < wire.HandshakeNonceLen || !bytes.Equal(payload[:wire.HandshakeNonceLen], e.nonce[:]) {
		e.fsm.Apply(linkfsm.HandshakeFailed)
		e.diagRec.Record(diag.EventHandshakeFailed, wire.LinkSyncResp, 0)
		return
	}

	if len(e.secret) == 0 {
		e.fsm.Apply(linkfsm.HandshakeComplete)
		e.diagRec.Record(diag.EventHandshakeComplete, wire.LinkSyncResp, 0)
		return
	}

	tag := payload[wire.HandshakeNonceLen:]
	if len(tag) < security.TagLen || !security.VerifyTag(e.key[:], e.nonce[:], tag[:security.TagLen]) {
		e.fsm.Apply(linkfsm.HandshakeFailed)
		e.diagRec.Record(diag.EventHandshakeFailed, wire.LinkSyncResp, 0)
		return
	}

	e.fsm.Apply(linkfsm.HandshakeComplete)
	e.diagRec.Record(diag.EventHandshakeComplete, wire.LinkSyncResp, 0)
}

// linkResetPayloadLen is the wire layout of a LINK_RESET timing
// reconfiguration: ack_timeout_ms(2 BE) + retry_limit(1) +
// response_timeout_ms(4 BE). ack_timeout_ms fits a 2-byte field because
// wire.MaxAckTimeoutMs (60000) fits uint16; response_timeout_ms needs
// the full 4 bytes because wire.MaxResponseTimeoutMs (180000) does not.
const linkResetPayloadLen = 7

// handleLinkReset validates an inbound timing reconfiguration (spec.md
// §8 scenario S7: any out-of-range field falls back to the protocol
// default for that field alone, not the whole payload) and then runs
// the explicit-reset branch of safe state entry (spec.md §4.13).
func (e *Engine) handleLinkReset(payload []byte) {
	ack := uint32(wire.DefaultAckTimeoutMs)
	retry := uint32(wire.DefaultAckRetryLimit)
	resp := uint32(wire.DefaultResponseTimeoutMs)

	if len(payload) == linkResetPayloadLen {
		reqAck := uint32(binary.BigEndian.Uint16(payload[0:2]))
		reqRetry := uint32(payload[2])
		reqResp := binary.BigEndian.Uint32(payload[3:7])

		if reqAck >= wire.MinAckTimeoutMs && reqAck <= wire.MaxAckTimeoutMs {
			ack = reqAck
		}
		if reqRetry >= wire.MinAckRetryLimit && reqRetry <= wire.MaxAckRetryLimit {
			retry = reqRetry
		}
		if reqResp >= wire.MinResponseTimeoutMs && reqResp <= wire.MaxResponseTimeoutMs {
			resp = reqResp
		}
	}

	e.ackTimeoutMs = ack
	e.ackRetryLimit = retry
	e.responseTimeoutMs = resp

	var out [linkResetPayloadLen]byte
	binary.BigEndian.PutUint16(out[0:2], uint16(e.ackTimeoutMs))
	out[2] = byte(e.ackRetryLimit)
	binary.BigEndian.PutUint32(out[3:7], e.responseTimeoutMs)
	e.transmitDirect(wire.LinkResetResp, out[:])

	e.enterSafeState(linkfsm.Reset)
}

// handleSetBaudrate implements spec.md §4.10: respond, flush, and defer
// the actual baud switch to a settle timer so no frames are produced
// mid-transition.
func (e *Engine) handleSetBaudrate(payload []byte) {
	if len(payload) != 4 {
		e.emitStatus(wire.StatusMalformed)
		return
	}
	baud := int(binary.BigEndian.Uint32(payload))

	e.transmitDirect(wire.SetBaudrateResp, payload)
	e.transport.Flush()

	e.baudPending = baud
	e.suspended = true
	e.timers.Arm(sched.BaudrateChange, wire.BaudSettleMs, e.onBaudSettle)
}

func (e *Engine) onBaudSettle() {
	baud := e.baudPending
	e.baudPending = 0
	e.suspended = false

	e.transport.SwitchBaud(baud)
	e.diagRec.Record(diag.EventBaudChange, wire.SetBaudrate, uint32(baud))
	e.attemptFlush()
}
