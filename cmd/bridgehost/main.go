// Command bridgehost is a disposable host-side test harness for the link
// engine: it opens a real serial device, drives the engine's tick loop,
// and republishes console byte counts and status events onto Redis pub/sub —
// mirroring how cmd/bluetooth-service in the sibling repo republishes its
// own device traffic onto Redis channels. It is not a complete host-side
// mirror implementation of the protocol (see bridge's Non-goals).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bridgelink"
	"bridgelink/internal/serialio"
	"bridgelink/internal/subsystems"
	"bridgelink/internal/wire"
)

var (
	device    = flag.String("device", "/dev/ttyUSB0", "Serial device path")
	baud      = flag.Int("baud", 115200, "Initial baud rate")
	secret    = flag.String("secret", "", "Shared handshake secret (empty = dev mode, no authentication)")
	tickMs    = flag.Int("tick-ms", 10, "Engine tick period in milliseconds")
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
)

const (
	redisConsoleChannel = "bridgehost:console"
	redisStatusChannel  = "bridgehost:status"
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("bridgehost starting: device=%s baud=%d", *device, *baud)

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, Password: *redisPass, DB: *redisDB})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis at %s: %v", *redisAddr, err)
	}
	log.Printf("connected to Redis at %s", *redisAddr)

	port, err := serialio.Open(serialio.Config{Device: *device, Baud: *baud, ReadTimeoutMs: 5})
	if err != nil {
		log.Fatalf("failed to open %s: %v", *device, err)
	}
	defer port.Close()
	log.Printf("opened %s at %d baud", *device, *baud)

	var mu sync.Mutex

	publishStatus := func(status uint16) {
		if err := rdb.Publish(ctx, redisStatusChannel, fmt.Sprintf("status:%#04x", status)).Err(); err != nil {
			log.Printf("redis publish (status) failed: %v", err)
		}
	}

	eng := bridge.New(bridge.Config{
		Stream:            port,
		InputBufferSize:   0, // serialio.Port cannot report buffer occupancy; flow control disabled
		TXQueueCapacity:   8,
		Secret:            []byte(*secret),
		AckTimeoutMs:      wire.DefaultAckTimeoutMs,
		AckRetryLimit:     wire.DefaultAckRetryLimit,
		ResponseTimeoutMs: wire.DefaultResponseTimeoutMs,
		StatusCallback:    publishStatus,
		DiagWriter:        func(line string) { log.Printf("[diag] %s", line) },
	})

	startTime := time.Now()
	ref := subsystems.New(eng, subsystems.VersionInfo{Major: 1, Minor: 0, Patch: 0}, func() uint64 {
		return uint64(time.Since(startTime).Milliseconds())
	}, publishStatus)
	eng.SetHandler(ref)

	if err := eng.Begin(); err != nil {
		log.Fatalf("engine Begin failed: %v", err)
	}
	defer eng.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go runTickLoop(eng, &mu, time.Duration(*tickMs)*time.Millisecond, rdb, ctx, ref, done)

	fmt.Println("bridgehost - link engine test harness")
	fmt.Println("======================================")
	fmt.Println("Type 'help' for available commands, 'quit' to exit.")

	quit := make(chan struct{})
	go runCommandLoop(eng, &mu, quit)

	select {
	case <-sigCh:
		log.Printf("received interrupt, shutting down")
	case <-quit:
		fmt.Println("Goodbye!")
	}
	close(done)
}

func runTickLoop(eng *bridge.Engine, mu *sync.Mutex, period time.Duration, rdb *redis.Client, ctx context.Context, ref *subsystems.Reference, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var lastConsoleBytes uint64
	dtMs := uint32(period.Milliseconds())
	if dtMs == 0 {
		dtMs = 1
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			mu.Lock()
			eng.Tick(dtMs)
			n := ref.ConsoleByteCount()
			mu.Unlock()

			if n != lastConsoleBytes {
				lastConsoleBytes = n
				if err := rdb.Publish(ctx, redisConsoleChannel, fmt.Sprintf("bytes:%d", n)).Err(); err != nil {
					log.Printf("redis publish (console) failed: %v", err)
				}
			}
		}
	}
}

func runCommandLoop(eng *bridge.Engine, mu *sync.Mutex, quit chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			close(quit)
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := parts[0]

		switch cmd {
		case "quit", "exit", "q":
			close(quit)
			return

		case "help", "?":
			printHelp()

		case "state":
			mu.Lock()
			state := eng.State()
			qlen := eng.QueueLen()
			mu.Unlock()
			fmt.Printf("state=%s queue_len=%d\n", state, qlen)

		case "sync":
			var nonce [wire.HandshakeNonceLen]byte
			for i := range nonce {
				nonce[i] = byte(i + 1)
			}
			mu.Lock()
			err := eng.BeginHandshake(nonce)
			mu.Unlock()
			if err != nil {
				fmt.Printf("handshake error: %v\n", err)
			}

		case "reset":
			mu.Lock()
			err := eng.Send(wire.LinkReset, nil)
			mu.Unlock()
			if err != nil {
				fmt.Printf("reset error: %v\n", err)
			}

		case "console":
			if len(parts) < 2 {
				fmt.Println("usage: console <text>")
				continue
			}
			payload := []byte(strings.Join(parts[1:], " "))
			mu.Lock()
			err := eng.Send(wire.ConsoleWrite, payload)
			mu.Unlock()
			if err != nil {
				fmt.Printf("console write error: %v\n", err)
			}

		default:
			fmt.Printf("unknown command: %s (type 'help' for available commands)\n", cmd)
		}
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  help           - Show this help message")
	fmt.Println("  state          - Print link FSM state and queue length")
	fmt.Println("  sync           - Begin the authenticated handshake")
	fmt.Println("  reset          - Send LINK_RESET (renegotiate timing, return to defaults)")
	fmt.Println("  console <text> - Send a CONSOLE_WRITE frame")
	fmt.Println("  quit/exit/q    - Exit the program")
	fmt.Println()
}
