package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux addresses are MAC
// addresses handled by BlueZ; on macOS they are CoreBluetooth UUIDs.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects enabled and the connections map.
	mu          sync.Mutex
	enabled     bool
	connections map[string]*tinyGoConnection // keyed by normalized address
}

// NewTinyGoAdapter creates a BLE adapter backed by the default host adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

// Enable powers on the adapter and installs the disconnect tracker. It is
// safe to call repeatedly; a failed enable is retried on the next call.
func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	// The adapter-level handler is the only reliable signal that a
	// peripheral dropped the link.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := normalizeAddress(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok {
			conn.connected.Store(false)
			slog.Debug("[BLE] link dropped", "address", id)
		}
	})
	a.enabled = true
	return nil
}

// stopRetryInterval spaces StopScan calls made while the scan is still
// starting up.
const stopRetryInterval = 50 * time.Millisecond

func (a *TinyGoAdapter) Scan(ctx context.Context, found func(Device) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			// StopScan must not run on the scan callback goroutine.
			go stopUntil(done, a.adapter.StopScan, stopRetryInterval)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	var mu sync.Mutex
	stopped := false
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		dev := Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		if found(dev) {
			stopped = true
			stop()
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// stopUntil calls stop until done is closed. A StopScan issued before the
// scan is running is a no-op, so one call is not enough.
func stopUntil(done <-chan struct{}, stop func() error, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := stop(); err != nil {
			slog.Debug("[BLE] stop scan", "error", err)
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout; the goroutine
	// lets ctx bound the wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A late success would leave a dangling link; close it when it lands.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{
			adapter: a,
			id:      normalizeAddress(address),
			device:  result.device,
			chars:   make(map[string]bluetooth.DeviceCharacteristic),
		}
		conn.connected.Store(true)

		a.mu.Lock()
		a.connections[conn.id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func (a *TinyGoAdapter) forget(id string) {
	a.mu.Lock()
	delete(a.connections, id)
	a.mu.Unlock()
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	adapter   *TinyGoAdapter
	id        string
	device    bluetooth.Device
	connected atomic.Bool

	chars map[string]bluetooth.DeviceCharacteristic // keyed by charKey
}

func (c *tinyGoConnection) IsConnected() bool {
	return c.connected.Load()
}

func (c *tinyGoConnection) Services() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		svcUUID := svcs[i].UUID().String()
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcUUID, err)
		}
		svc := Service{UUID: svcUUID}
		for _, ch := range chars {
			charUUID := ch.UUID().String()
			svc.Characteristics = append(svc.Characteristics, charUUID)
			c.chars[charKey(svcUUID, charUUID)] = ch
		}
		out = append(out, svc)
	}
	return out, nil
}

func (c *tinyGoConnection) Read(serviceUUID, charUUID string) ([]byte, error) {
	ch, ok := c.chars[charKey(serviceUUID, charUUID)]
	if !ok {
		var err error
		if ch, err = c.discover(serviceUUID, charUUID); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 512)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", charUUID, err)
	}
	return buf[:n], nil
}

// discover resolves a single characteristic without a prior Services call.
func (c *tinyGoConnection) discover(serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	var none bluetooth.DeviceCharacteristic

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return none, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return none, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return none, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return none, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return none, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return none, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	c.chars[charKey(serviceUUID, charUUID)] = chars[0]
	return chars[0], nil
}

func (c *tinyGoConnection) Disconnect() error {
	if err := c.device.Disconnect(); err != nil {
		return err
	}
	c.connected.Store(false)
	c.adapter.forget(c.id)
	return nil
}

func charKey(serviceUUID, charUUID string) string {
	return strings.ToLower(serviceUUID) + "/" + strings.ToLower(charUUID)
}

func normalizeAddress(address string) string {
	return strings.ToUpper(address)
}
