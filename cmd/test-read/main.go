// Command test-read is a manual test for a single acquisition.
// It locates the named sensor, optionally pairs, reads the current
// measurements once, and prints them.
//
// Usage:
//
//	go run ./cmd/test-read --target "Aranet4 1A2B3" [--pair] [--adapter hci0]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/aranet-relay/internal/ble"
	"github.com/chaz8081/aranet-relay/internal/prompt"
)

func main() {
	target := flag.String("target", "", "advertised sensor name, e.g. \"Aranet4 1A2B3\"")
	pair := flag.Bool("pair", false, "pair with the sensor before reading")
	adapterName := flag.String("adapter", "hci0", "host adapter used for pairing")
	flag.Parse()

	if *target == "" {
		fmt.Println("Error: --target is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinyGoAdapter()
	dev, err := ble.NewLocator(adapter, ble.DefaultLocatorOptions()).Locate(ctx, *target)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found %s (%s, %d dBm)\n", dev.Name, dev.Address, dev.RSSI)

	if *pair {
		pairer := ble.NewBlueZPairer(*adapterName)
		defer pairer.Close()
		agent := ble.NewPairingAgent(pairer, prompt.NewConsole(os.Stdin, os.Stdout), ble.DefaultPairOptions())
		if err := agent.Pair(ctx, dev); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Paired.")
	}

	reading, err := ble.NewClient(adapter, ble.DefaultClientOptions()).ReadCurrent(ctx, dev)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n%s\n", reading)
}
