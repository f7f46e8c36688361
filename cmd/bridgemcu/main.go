//go:build tinygo

// Command bridgemcu is the TinyGo MCU entry point: it configures a UART,
// wires it to the link engine, and drives Engine.Tick from a busy-poll
// main loop with panic recovery, the same shape as the teacher's
// targets/rp2040/main.go main loop (an error counter instead of a
// crash).
package main

import (
	"machine"
	"time"

	"bridgelink"
	"bridgelink/internal/subsystems"
	"bridgelink/internal/wire"
)

const (
	uartBaud            = 115200
	inputBufferCapacity = 256
	txQueueCapacity     = 8
)

// firmwareSecret is the shared handshake secret baked into this build.
// Empty means dev mode (no authentication) — production firmware
// provisions a real per-device secret at build time.
var firmwareSecret = []byte("")

var uart = machine.UART0

// uartStream adapts machine.UART to transport.Stream. Buffered reports
// the UART's actual RX ring-buffer occupancy, so flow control here is
// real (unlike internal/serialio's host-side tarm/serial wrapper, which
// cannot report it).
type uartStream struct {
	uart *machine.UART
}

func (s *uartStream) Read(p []byte) (int, error) {
	n := s.uart.Buffered()
	if n == 0 {
		return 0, nil
	}
	if n > len(p) {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		b, err := s.uart.ReadByte()
		if err != nil {
			return i, err
		}
		p[i] = b
	}
	return n, nil
}

func (s *uartStream) Write(p []byte) (int, error) {
	return s.uart.Write(p)
}

func (s *uartStream) Flush() error {
	return nil
}

func (s *uartStream) Available() int {
	return s.uart.Buffered()
}

func (s *uartStream) End() error {
	return nil
}

func (s *uartStream) Begin(baud int) error {
	s.uart.Configure(machine.UARTConfig{BaudRate: uint32(baud)})
	return nil
}

var (
	engineErrors uint32
	engineTicks  uint64
	lastTickTime time.Time
)

func main() {
	uart.Configure(machine.UARTConfig{BaudRate: uartBaud})
	stream := &uartStream{uart: uart}

	eng := bridge.New(bridge.Config{
		Stream:            stream,
		InputBufferSize:   inputBufferCapacity,
		TXQueueCapacity:   txQueueCapacity,
		Secret:            firmwareSecret,
		AckTimeoutMs:      wire.DefaultAckTimeoutMs,
		AckRetryLimit:     wire.DefaultAckRetryLimit,
		ResponseTimeoutMs: wire.DefaultResponseTimeoutMs,
	})

	ref := subsystems.New(eng, subsystems.VersionInfo{Major: 1, Minor: 0, Patch: 0}, uptimeMs, nil)
	eng.SetHandler(ref)

	if err := eng.Begin(); err != nil {
		// Self-test failure before any I/O is initialized: nothing to do
		// but halt, there is no safe degraded mode for a broken crypto
		// library linkage.
		for {
			time.Sleep(time.Second)
		}
	}

	lastTickTime = time.Now()

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					engineErrors++
				}
			}()

			now := time.Now()
			dt := now.Sub(lastTickTime)
			lastTickTime = now

			eng.Tick(uint32(dt.Milliseconds()))
			engineTicks++
		}()

		time.Sleep(2 * time.Millisecond)
	}
}

func uptimeMs() uint64 {
	return uint64(time.Since(bootTime).Milliseconds())
}

var bootTime = time.Now()
