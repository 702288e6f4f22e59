// Command test-send is a manual test for the UART link against real
// hardware. It connects to a locker by address, waits 3 seconds, then
// sends a payload and prints any replies for a few seconds.
//
// Usage:
//
//	go run ./cmd/test-send --address AA:BB:CC:DD:EE:FF [--payload OPEN1]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/chaz8081/locker-controller/internal/ble"
)

func main() {
	address := flag.StringP("address", "a", "", "device address to connect to")
	name := flag.StringP("name", "n", "test-locker", "display name for the device")
	payload := flag.StringP("payload", "p", "OPEN1", "payload to send")
	listen := flag.Duration("listen", 3*time.Second, "how long to print replies after sending")
	flag.Parse()

	if *address == "" {
		fmt.Println("Error: --address is required")
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	mgr := ble.NewManager(ble.NewTinyGoTransport(), ble.DefaultOptions())
	defer mgr.Close()

	ctx := context.Background()
	dev := ble.Device{Name: *name, Address: *address}
	fmt.Printf("Connecting to %s (%s)...\n", dev, dev.Address)
	s, err := mgr.Connect(ctx, dev)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Will send %q in 3 seconds...\n", *payload)
	fmt.Println("Watch the locker now!")
	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	if err := s.Send(ctx, *payload); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	deadline := time.After(*listen)
	for {
		select {
		case data := <-s.Replies():
			fmt.Printf("reply: %q\n", data)
		case <-deadline:
			fmt.Println("\nDone!")
			return
		}
	}
}
