// Package wire holds the protocol constants and command-id assignments
// shared by every internal package and by any host-side counterpart.
// Both ends of the link must import this exact package; spec.md §9 calls
// out drifting numeric assignments between endpoints as the single most
// common source of interop bugs.
package wire

// Protocol-level constants (spec.md §6).
const (
	ProtocolVersion = 0x02

	// MAX_PAYLOAD_SIZE: the spec lists 64/128/256 as seen across source
	// variants and leaves the choice to the implementer. 256 is the spec
	// constant and wins (spec.md §9).
	MaxPayloadSize = 256

	FrameDelimiter  = 0x00
	CRCTrailerSize  = 4
	FrameHeaderSize = 5 // version(1) + payload_length(2) + command_id(2)

	// MaxRawFrameSize bounds a decoded frame: header + max payload + CRC.
	MaxRawFrameSize = FrameHeaderSize + MaxPayloadSize + CRCTrailerSize

	CompressionFlag = 0x8000

	HandshakeNonceLen = 16
	HandshakeTagLen   = 16

	DefaultAckTimeoutMs     = 75
	MinAckTimeoutMs         = 25
	MaxAckTimeoutMs         = 60000
	DefaultAckRetryLimit    = 3
	MinAckRetryLimit        = 1
	MaxAckRetryLimit        = 8
	DefaultResponseTimeoutMs = 100
	MinResponseTimeoutMs    = 100
	MaxResponseTimeoutMs    = 180000

	StartupStabilizationMs = 100
	BaudSettleMs           = 50
	MaxConsecutiveCRCErrors = 5
	RxDedupIntervalMs      = 1000
)

// Command id ranges, one block per subsystem category (spec.md §6/§4.11).
const (
	RangeStatus     = 0x0000
	RangeSystem     = 0x0100
	RangeGPIO       = 0x0200
	RangeConsole    = 0x0300
	RangeDatastore  = 0x0400
	RangeMailbox    = 0x0500
	RangeFilesystem = 0x0600
	RangeProcess    = 0x0700
	RangeEnd        = 0x0800 // one past the last assigned range
)

// Status category.
const (
	StatusOK             = RangeStatus + 0x00
	StatusError          = RangeStatus + 0x01
	StatusCmdUnknown     = RangeStatus + 0x02
	StatusMalformed      = RangeStatus + 0x03
	StatusCRCMismatch    = RangeStatus + 0x04
	StatusTimeout        = RangeStatus + 0x05
	StatusNotImplemented = RangeStatus + 0x06
	StatusAck            = RangeStatus + 0x07
	StatusOverflow       = RangeStatus + 0x08
)

// System category: handshake, reset, version/uptime/stats queries, baud
// switching, and flow control.
const (
	LinkSync         = RangeSystem + 0x00
	LinkSyncResp     = RangeSystem + 0x01
	LinkReset        = RangeSystem + 0x02
	LinkResetResp    = RangeSystem + 0x03
	GetVersion       = RangeSystem + 0x04
	GetVersionResp   = RangeSystem + 0x05
	GetUptime        = RangeSystem + 0x06
	GetUptimeResp    = RangeSystem + 0x07
	GetStats         = RangeSystem + 0x08
	GetStatsResp     = RangeSystem + 0x09
	DebugEcho        = RangeSystem + 0x0A
	DebugEchoResp    = RangeSystem + 0x0B
	SetBaudrate      = RangeSystem + 0x0C
	SetBaudrateResp  = RangeSystem + 0x0D
	FlowXoff         = RangeSystem + 0x0E
	FlowXon          = RangeSystem + 0x0F
)

// GPIO category.
const (
	SetPinMode      = RangeGPIO + 0x00
	DigitalWrite    = RangeGPIO + 0x01
	DigitalRead     = RangeGPIO + 0x02
	DigitalReadResp = RangeGPIO + 0x03
	AnalogWrite     = RangeGPIO + 0x04
	AnalogRead      = RangeGPIO + 0x05
	AnalogReadResp  = RangeGPIO + 0x06
)

// Console category.
const (
	ConsoleWrite    = RangeConsole + 0x00
	ConsoleRead     = RangeConsole + 0x01
	ConsoleReadResp = RangeConsole + 0x02
)

// Datastore category.
const (
	DatastoreGet     = RangeDatastore + 0x00
	DatastoreGetResp = RangeDatastore + 0x01
	DatastorePut     = RangeDatastore + 0x02
	DatastoreDelete  = RangeDatastore + 0x03
)

// Mailbox category.
const (
	MailboxPush    = RangeMailbox + 0x00
	MailboxPop     = RangeMailbox + 0x01
	MailboxPopResp = RangeMailbox + 0x02
)

// Filesystem category.
const (
	FileOpen     = RangeFilesystem + 0x00
	FileOpenResp = RangeFilesystem + 0x01
	FileRead     = RangeFilesystem + 0x02
	FileReadResp = RangeFilesystem + 0x03
	FileWrite    = RangeFilesystem + 0x04
	FileClose    = RangeFilesystem + 0x05
)

// Process category.
const (
	ProcessSpawn     = RangeProcess + 0x00
	ProcessSpawnResp = RangeProcess + 0x01
	ProcessKill      = RangeProcess + 0x02
	ProcessStatus    = RangeProcess + 0x03
	ProcessStatusResp = RangeProcess + 0x04
)

// HandshakeWhitelist lists the only command ids the link may emit while
// Unsynchronized (spec.md §3, invariants).
var HandshakeWhitelist = [...]uint16{
	LinkSync,
	LinkSyncResp,
	LinkReset,
	LinkResetResp,
	GetVersionResp,
}

// IsHandshakeWhitelisted reports whether cmdID may be emitted while the
// link is Unsynchronized.
func IsHandshakeWhitelisted(cmdID uint16) bool {
	for _, id := range HandshakeWhitelist {
		if id == cmdID {
			return true
		}
	}
	return false
}

// CriticalCommands is the centralized "requires-ack" table (spec.md §4.11,
// §9 calls for exactly one declarative table shared by both router and
// engine instead of scattered checks).
var CriticalCommands = [...]uint16{
	ConsoleWrite,
	DatastorePut,
	MailboxPush,
	FileWrite,
	SetPinMode,
	DigitalWrite,
	AnalogWrite,
}

// RequiresAck reports whether cmdID is in the critical (ACK-required) set.
func RequiresAck(cmdID uint16) bool {
	for _, id := range CriticalCommands {
		if id == cmdID {
			return true
		}
	}
	return false
}

// Category identifies the command router's nine dispatch buckets
// (spec.md §4.11).
type Category uint8

const (
	CategoryStatus Category = iota
	CategorySystem
	CategoryGPIO
	CategoryConsole
	CategoryDatastore
	CategoryMailbox
	CategoryFilesystem
	CategoryProcess
	CategoryUnknown
)

// CategoryOf categorizes a masked (compression-flag-stripped) command id by
// range. Branch-free on the hot path in the sense that it never allocates
// and is a fixed sequence of comparisons over a closed, small range set.
func CategoryOf(cmdID uint16) Category {
	switch {
	case cmdID < RangeSystem:
		return CategoryStatus
	case cmdID < RangeGPIO:
		return CategorySystem
	case cmdID < RangeConsole:
		return CategoryGPIO
	case cmdID < RangeDatastore:
		return CategoryConsole
	case cmdID < RangeMailbox:
		return CategoryDatastore
	case cmdID < RangeFilesystem:
		return CategoryMailbox
	case cmdID < RangeProcess:
		return CategoryFilesystem
	case cmdID < RangeEnd:
		return CategoryProcess
	default:
		return CategoryUnknown
	}
}
