package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/aranet-relay/internal/clock"
)

// LocatorOptions configures device discovery.
type LocatorOptions struct {
	MaxScans       int           // discovery passes before giving up
	ScanTimeout    time.Duration // duration of a single pass
	InterScanDelay time.Duration // pause between passes
	FamilyMarker   string        // name fragment of related, non-target devices
}

// DefaultLocatorOptions returns the production discovery settings.
func DefaultLocatorOptions() LocatorOptions {
	return LocatorOptions{
		MaxScans:       3,
		ScanTimeout:    5 * time.Second,
		InterScanDelay: time.Second,
		FamilyMarker:   FamilyMarker,
	}
}

// Locator finds the target sensor among BLE advertisements.
type Locator struct {
	adapter Adapter
	opts    LocatorOptions
	sleep   clock.SleepFunc
}

// NewLocator creates a Locator. Zero option values fall back to defaults.
func NewLocator(adapter Adapter, opts LocatorOptions) *Locator {
	def := DefaultLocatorOptions()
	if opts.MaxScans <= 0 {
		opts.MaxScans = def.MaxScans
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.InterScanDelay < 0 {
		opts.InterScanDelay = def.InterScanDelay
	}
	return &Locator{adapter: adapter, opts: opts, sleep: clock.Sleep}
}

// Locate scans up to MaxScans times for an advertisement named exactly
// target. It returns as soon as one is seen. It does not retry beyond
// MaxScans; ErrDeviceNotFound tells the caller this attempt is over.
func (l *Locator) Locate(ctx context.Context, target string) (Device, error) {
	if err := l.adapter.Enable(); err != nil {
		return Device{}, fmt.Errorf("ble: enable adapter: %w", err)
	}

	for pass := 1; pass <= l.opts.MaxScans; pass++ {
		if pass > 1 {
			if err := l.sleep(ctx, l.opts.InterScanDelay); err != nil {
				return Device{}, err
			}
		}

		slog.Info("[BLE] scanning", "target", target, "pass", pass, "of", l.opts.MaxScans)
		dev, ok, err := l.scanOnce(ctx, target)
		if ok {
			slog.Info("[BLE] found target device", "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)
			return dev, nil
		}
		if ctx.Err() != nil {
			return Device{}, ctx.Err()
		}
		if err != nil {
			slog.Warn("[BLE] scan failed", "pass", pass, "error", err)
		}
	}

	return Device{}, fmt.Errorf("%w: %q after %d scans", ErrDeviceNotFound, target, l.opts.MaxScans)
}

// scanOnce runs a single discovery pass bounded by ScanTimeout.
func (l *Locator) scanOnce(ctx context.Context, target string) (Device, bool, error) {
	scanCtx, cancel := context.WithTimeout(ctx, l.opts.ScanTimeout)
	defer cancel()

	var (
		match Device
		found bool
	)
	others := make(map[string]bool)

	err := l.adapter.Scan(scanCtx, func(d Device) bool {
		if d.Name == "" {
			return false
		}
		if d.Name == target {
			match, found = d, true
			return true
		}
		if l.opts.FamilyMarker != "" && strings.Contains(d.Name, l.opts.FamilyMarker) && !others[d.Address] {
			others[d.Address] = true
			slog.Info("[BLE] found other sensor", "name", d.Name, "address", d.Address)
		}
		return false
	})
	if found {
		return match, true, nil
	}
	return Device{}, false, err
}
