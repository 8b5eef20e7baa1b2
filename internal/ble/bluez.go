package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService      = "org.bluez"
	bluezAgentManager = "org.bluez.AgentManager1"
	bluezAgentIface   = "org.bluez.Agent1"
	bluezDeviceIface  = "org.bluez.Device1"
	dbusPropsIface    = "org.freedesktop.DBus.Properties"

	bluezAgentPath       = dbus.ObjectPath("/com/github/chaz8081/aranetrelay/agent")
	bluezAgentCapability = "KeyboardOnly"

	errAlreadyExists = "org.bluez.Error.AlreadyExists"
	errDoesNotExist  = "org.bluez.Error.DoesNotExist"
)

// BlueZPairer bonds with peripherals through BlueZ on the system D-Bus.
// It registers an Agent1 that answers BlueZ's passkey request with the PIN
// handed to ConfirmPIN.
type BlueZPairer struct {
	adapterName  string
	agentTimeout time.Duration

	mu      sync.Mutex
	bus     *dbus.Conn
	agent   *pinAgent
	pending map[string]pendingPair // Device1.Pair in flight, keyed by address
}

type pendingPair struct {
	call   *dbus.Call
	cancel context.CancelFunc
}

// NewBlueZPairer creates a pairer for the named adapter (e.g. "hci0").
func NewBlueZPairer(adapterName string) *BlueZPairer {
	if adapterName == "" {
		adapterName = "hci0"
	}
	return &BlueZPairer{
		adapterName:  adapterName,
		agentTimeout: 2 * time.Minute,
		pending:      make(map[string]pendingPair),
	}
}

// ensureAgentLocked connects to the system bus and registers the agent.
func (p *BlueZPairer) ensureAgentLocked() error {
	if p.bus != nil {
		return nil
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect system bus: %w", err)
	}

	agent := &pinAgent{pins: make(chan string, 1), cancels: make(chan struct{}, 1), timeout: p.agentTimeout}
	if err := bus.Export(agent, bluezAgentPath, bluezAgentIface); err != nil {
		bus.Close()
		return fmt.Errorf("ble: export agent: %w", err)
	}

	mgr := bus.Object(bluezService, "/org/bluez")
	if call := mgr.Call(bluezAgentManager+".RegisterAgent", 0, bluezAgentPath, bluezAgentCapability); call.Err != nil {
		bus.Close()
		return fmt.Errorf("ble: register agent: %w", call.Err)
	}
	if call := mgr.Call(bluezAgentManager+".RequestDefaultAgent", 0, bluezAgentPath); call.Err != nil {
		_ = mgr.Call(bluezAgentManager+".UnregisterAgent", 0, bluezAgentPath).Err
		bus.Close()
		return fmt.Errorf("ble: request default agent: %w", call.Err)
	}

	p.bus = bus
	p.agent = agent
	return nil
}

func (p *BlueZPairer) RequestPairing(ctx context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureAgentLocked(); err != nil {
		return err
	}

	if prev, ok := p.pending[address]; ok {
		prev.cancel()
		delete(p.pending, address)
	}
	p.agent.reset()

	pairCtx, cancel := context.WithCancel(ctx)
	dev := p.bus.Object(bluezService, devicePath(p.adapterName, address))
	p.pending[address] = pendingPair{
		call:   dev.GoWithContext(pairCtx, bluezDeviceIface+".Pair", 0, make(chan *dbus.Call, 1)),
		cancel: cancel,
	}
	return nil
}

func (p *BlueZPairer) ConfirmPIN(ctx context.Context, address, pin string) error {
	p.mu.Lock()
	pending, ok := p.pending[address]
	agent := p.agent
	delete(p.pending, address)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: no pairing request pending for %s", address)
	}
	defer pending.cancel()
	call := pending.call

	select {
	case agent.pins <- pin:
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		if call.Err != nil {
			if isDBusError(call.Err, errAlreadyExists) {
				slog.Info("[BLE] device already paired", "address", address)
				return nil
			}
			return fmt.Errorf("ble: pair %s: %w", address, call.Err)
		}
		return nil
	}
}

func (p *BlueZPairer) Trust(ctx context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureAgentLocked(); err != nil {
		return err
	}
	dev := p.bus.Object(bluezService, devicePath(p.adapterName, address))
	call := dev.CallWithContext(ctx, dbusPropsIface+".Set", 0, bluezDeviceIface, "Trusted", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("ble: set Trusted on %s: %w", address, call.Err)
	}
	return nil
}

// CancelPairing drops the pending Device1.Pair call, releases the agent if
// it is waiting for a PIN, and asks BlueZ to abort the pairing.
func (p *BlueZPairer) CancelPairing(ctx context.Context, address string) error {
	p.mu.Lock()
	pending, ok := p.pending[address]
	delete(p.pending, address)
	bus, agent := p.bus, p.agent
	p.mu.Unlock()

	if ok {
		pending.cancel()
	}
	if agent != nil {
		agent.abort()
	}
	if bus == nil {
		return nil
	}

	dev := bus.Object(bluezService, devicePath(p.adapterName, address))
	if call := dev.CallWithContext(ctx, bluezDeviceIface+".CancelPairing", 0); call.Err != nil {
		if isDBusError(call.Err, errDoesNotExist) {
			return nil
		}
		return fmt.Errorf("ble: cancel pairing with %s: %w", address, call.Err)
	}
	slog.Info("[BLE] pairing cancelled", "address", address)
	return nil
}

// Close unregisters the agent and releases the bus connection.
func (p *BlueZPairer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bus == nil {
		return nil
	}
	_ = p.bus.Object(bluezService, "/org/bluez").Call(bluezAgentManager+".UnregisterAgent", 0, bluezAgentPath).Err
	err := p.bus.Close()
	p.bus = nil
	p.agent = nil
	return err
}

// Compile-time check that BlueZPairer implements Pairer.
var _ Pairer = (*BlueZPairer)(nil)

// pinAgent implements org.bluez.Agent1. BlueZ calls it from the bus
// goroutine while Device1.Pair is in flight.
type pinAgent struct {
	pins    chan string
	cancels chan struct{}
	timeout time.Duration
}

// reset drops a PIN or cancellation left over from an earlier attempt.
func (a *pinAgent) reset() {
	select {
	case <-a.pins:
	default:
	}
	select {
	case <-a.cancels:
	default:
	}
}

// abort releases a pending waitPIN.
func (a *pinAgent) abort() {
	select {
	case a.cancels <- struct{}{}:
	default:
	}
}

func (a *pinAgent) waitPIN() (string, *dbus.Error) {
	select {
	case pin := <-a.pins:
		return pin, nil
	case <-a.cancels:
		return "", dbus.NewError("org.bluez.Error.Canceled", []interface{}{"pairing cancelled"})
	case <-time.After(a.timeout):
		return "", dbus.NewError("org.bluez.Error.Canceled", []interface{}{"no PIN entered"})
	}
}

func (a *pinAgent) Release() *dbus.Error { return nil }

func (a *pinAgent) RequestPinCode(_ dbus.ObjectPath) (string, *dbus.Error) {
	return a.waitPIN()
}

func (a *pinAgent) RequestPasskey(_ dbus.ObjectPath) (uint32, *dbus.Error) {
	pin, derr := a.waitPIN()
	if derr != nil {
		return 0, derr
	}
	passkey, err := strconv.ParseUint(pin, 10, 32)
	if err != nil {
		return 0, dbus.NewError("org.bluez.Error.Rejected", []interface{}{"PIN must be numeric"})
	}
	return uint32(passkey), nil
}

func (a *pinAgent) DisplayPinCode(_ dbus.ObjectPath, _ string) *dbus.Error { return nil }

func (a *pinAgent) DisplayPasskey(_ dbus.ObjectPath, _ uint32, _ uint16) *dbus.Error { return nil }

func (a *pinAgent) RequestConfirmation(_ dbus.ObjectPath, _ uint32) *dbus.Error { return nil }

func (a *pinAgent) RequestAuthorization(_ dbus.ObjectPath) *dbus.Error { return nil }

func (a *pinAgent) AuthorizeService(_ dbus.ObjectPath, _ string) *dbus.Error { return nil }

func (a *pinAgent) Cancel() *dbus.Error {
	a.abort()
	return nil
}

// devicePath returns the BlueZ object path of a device on an adapter.
func devicePath(adapterName, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapterName,
		strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

func isDBusError(err error, name string) bool {
	var derr dbus.Error
	if e, ok := err.(dbus.Error); ok {
		derr = e
	} else if e, ok := err.(*dbus.Error); ok && e != nil {
		derr = *e
	} else {
		return false
	}
	return derr.Name == name
}
