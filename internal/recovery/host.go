package recovery

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService   = "org.bluez"
	bluezAdapter1  = "org.bluez.Adapter1"
	dbusProperties = "org.freedesktop.DBus.Properties"

	systemdService = "org.freedesktop.systemd1"
	systemdPath    = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManager = "org.freedesktop.systemd1.Manager"
)

// SystemHost performs adapter control on a Linux host: adapter power through
// BlueZ, the radio service through systemd, both over the system D-Bus, and
// the radio kill switch through rfkill. It needs root or equivalent polkit
// rights.
type SystemHost struct {
	adapterName string // e.g. "hci0"
	serviceUnit string // e.g. "bluetooth.service"
	rfkillPath  string

	mu  sync.Mutex
	bus *dbus.Conn

	// run executes a host command; replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSystemHost creates a SystemHost for the named adapter and unit.
func NewSystemHost(adapterName, serviceUnit string) *SystemHost {
	if adapterName == "" {
		adapterName = "hci0"
	}
	if serviceUnit == "" {
		serviceUnit = "bluetooth.service"
	}
	return &SystemHost{
		adapterName: adapterName,
		serviceUnit: serviceUnit,
		rfkillPath:  "rfkill",
		run:         runCommand,
	}
}

// systemBus returns the shared system bus connection, reconnecting if the
// previous one was closed (e.g. because the service restart dropped it).
func (h *SystemHost) systemBus() (*dbus.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bus != nil && h.bus.Connected() {
		return h.bus, nil
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("recovery: connect system bus: %w", err)
	}
	h.bus = bus
	return bus, nil
}

func (h *SystemHost) setPowered(ctx context.Context, on bool) error {
	bus, err := h.systemBus()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, dbus.ObjectPath("/org/bluez/"+h.adapterName))
	call := obj.CallWithContext(ctx, dbusProperties+".Set", 0, bluezAdapter1, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("recovery: set %s Powered=%t: %w", h.adapterName, on, call.Err)
	}
	return nil
}

func (h *SystemHost) AdapterDown(ctx context.Context) error { return h.setPowered(ctx, false) }

func (h *SystemHost) AdapterUp(ctx context.Context) error { return h.setPowered(ctx, true) }

func (h *SystemHost) unitJob(ctx context.Context, method string) error {
	bus, err := h.systemBus()
	if err != nil {
		return err
	}
	obj := bus.Object(systemdService, systemdPath)
	var job dbus.ObjectPath
	if err := obj.CallWithContext(ctx, systemdManager+"."+method, 0, h.serviceUnit, "replace").Store(&job); err != nil {
		return fmt.Errorf("recovery: %s %s: %w", method, h.serviceUnit, err)
	}
	return nil
}

func (h *SystemHost) RadioServiceStop(ctx context.Context) error { return h.unitJob(ctx, "StopUnit") }

func (h *SystemHost) RadioServiceStart(ctx context.Context) error { return h.unitJob(ctx, "StartUnit") }

func (h *SystemHost) rfkill(ctx context.Context, action string) error {
	out, err := h.run(ctx, h.rfkillPath, action, "bluetooth")
	if err != nil {
		return fmt.Errorf("recovery: rfkill %s bluetooth: %w: %s", action, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (h *SystemHost) RadioBlock(ctx context.Context) error { return h.rfkill(ctx, "block") }

func (h *SystemHost) RadioUnblock(ctx context.Context) error { return h.rfkill(ctx, "unblock") }

// Close releases the bus connection.
func (h *SystemHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bus == nil {
		return nil
	}
	err := h.bus.Close()
	h.bus = nil
	return err
}

// Compile-time check that SystemHost implements HostControl.
var _ HostControl = (*SystemHost)(nil)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
