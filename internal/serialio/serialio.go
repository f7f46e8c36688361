// Package serialio wraps github.com/tarm/serial behind the
// transport.Stream interface for real UART I/O, grounded on the
// teacher's host/serial package (serial.Port/NativePort in
// host/serial/serial.go and host/serial/serial_native.go).
package serialio

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Config mirrors the teacher's serial.Config.
type Config struct {
	// Device is the OS device path, e.g. "/dev/ttyUSB0".
	Device string
	// Baud is the initial baud rate.
	Baud int
	// ReadTimeoutMs bounds a blocking Read; 0 blocks indefinitely.
	ReadTimeoutMs int
}

// Port wraps a tarm/serial port, implementing transport.Stream and
// transport.BaudSwitcher.
type Port struct {
	cfg  Config
	port *serial.Port
}

// Open opens the configured serial device.
func Open(cfg Config) (*Port, error) {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
	}

	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", cfg.Device, err)
	}

	return &Port{cfg: cfg, port: p}, nil
}

// Read implements transport.Stream.
func (p *Port) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write implements transport.Stream.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Flush implements transport.Stream. tarm/serial does not expose a
// buffered-write flush; Write already delivers synchronously, so this
// is a no-op kept for interface symmetry (matches the teacher's
// NativePort.Flush).
func (p *Port) Flush() error {
	return nil
}

// Available implements transport.Stream. tarm/serial exposes no
// buffered-byte count, so this always reports 0 — flow control based on
// watermarks is disabled for this Stream implementation; callers that
// need it should wire a Stream that can report true buffer occupancy
// (e.g. a platform UART driver with a FIFO depth register).
func (p *Port) Available() int {
	return 0
}

// End implements transport.BaudSwitcher by closing the port.
func (p *Port) End() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

// Begin implements transport.BaudSwitcher by reopening the port at
// newBaud.
func (p *Port) Begin(newBaud int) error {
	p.cfg.Baud = newBaud
	sc := &serial.Config{
		Name:        p.cfg.Device,
		Baud:        p.cfg.Baud,
		ReadTimeout: time.Duration(p.cfg.ReadTimeoutMs) * time.Millisecond,
	}
	port, err := serial.OpenPort(sc)
	if err != nil {
		return fmt.Errorf("serialio: reopen %s at %d baud: %w", p.cfg.Device, newBaud, err)
	}
	p.port = port
	return nil
}

// Close closes the underlying port.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}
