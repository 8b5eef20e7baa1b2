// Command test-scan is a manual test for BLE discovery.
// It prints every advertisement seen for a few seconds, marking Aranet4
// sensors.
//
// Usage:
//
//	go run ./cmd/test-scan [--duration 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/aranet-relay/internal/ble"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "how long to scan")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: enable adapter: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scanning for %s... Ctrl+C to stop.\n", *duration)

	seen := make(map[string]bool)
	err := adapter.Scan(ctx, func(d ble.Device) bool {
		if seen[d.Address] {
			return false
		}
		seen[d.Address] = true
		marker := "   "
		if strings.Contains(d.Name, ble.FamilyMarker) {
			marker = ">>>"
		}
		fmt.Printf("%s %-20s %-36s %4d dBm\n", marker, d.Name, d.Address, d.RSSI)
		return false
	})
	if err != nil && ctx.Err() == nil {
		fmt.Printf("Error: scan: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone! %d device(s) seen.\n", len(seen))
}
