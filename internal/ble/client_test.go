package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
)

var testDevice = Device{Name: "Aranet4 1A2B3", Address: "AA:BB:CC:DD:EE:FF", RSSI: -55}

var testNow = time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

func newTestClient(adapter Adapter) (*Client, *recordingSleep) {
	rs := &recordingSleep{}
	c := NewClient(adapter, DefaultClientOptions())
	c.sleep = rs.Sleep
	c.now = func() time.Time { return testNow }
	return c, rs
}

func TestReadCurrentSuccess(t *testing.T) {
	adapter := newMockAdapter()
	c, rs := newTestClient(adapter)

	r, err := c.ReadCurrent(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("ReadCurrent() error = %v", err)
	}
	want := protocol.Reading{CO2: 400, Temperature: 10.5, Pressure: 1009.4, Humidity: 50, Timestamp: testNow}
	if r != want {
		t.Errorf("ReadCurrent() = %+v, want %+v", r, want)
	}
	if adapter.connects != 1 {
		t.Errorf("connects = %d, want 1", adapter.connects)
	}
	if got := adapter.connection.disconnects(); got != 1 {
		t.Errorf("disconnect calls = %d, want 1", got)
	}
	// Only the post-connect settle delay.
	waits := rs.all()
	if len(waits) != 1 || waits[0] != 2*time.Second {
		t.Errorf("waits = %v, want [2s]", waits)
	}
}

func TestReadCurrentConnectRetries(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectErrs = []error{errors.New("mock: timeout"), errors.New("mock: le-connection-abort-by-local")}
	c, rs := newTestClient(adapter)

	if _, err := c.ReadCurrent(context.Background(), testDevice); err != nil {
		t.Fatalf("ReadCurrent() error = %v", err)
	}
	if adapter.connects != 3 {
		t.Errorf("connects = %d, want 3", adapter.connects)
	}
	want := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}
	waits := rs.all()
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
}

func TestReadCurrentConnectFailed(t *testing.T) {
	adapter := newMockAdapter()
	last := errors.New("mock: third failure")
	adapter.connectErrs = []error{errors.New("mock: first"), errors.New("mock: second"), last}
	c, _ := newTestClient(adapter)

	_, err := c.ReadCurrent(context.Background(), testDevice)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("error = %v, want ErrConnectFailed", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("error = %v, should wrap the last attempt's cause", err)
	}
	if adapter.connects != 3 {
		t.Errorf("connects = %d, want 3", adapter.connects)
	}
	if got := adapter.connection.disconnects(); got != 0 {
		t.Errorf("disconnect calls = %d, want 0 when no link was opened", got)
	}
}

// Every step failure after the link opens must still disconnect exactly once
// and leave the link down.
func TestReadCurrentTeardownOnEveryPath(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*mockConnection)
		wantErr error
	}{
		{
			name:    "service missing",
			setup:   func(c *mockConnection) { c.services = c.services[:1] },
			wantErr: ErrServiceNotFound,
		},
		{
			name:    "service discovery error",
			setup:   func(c *mockConnection) { c.servicesErr = errors.New("mock: gatt error") },
			wantErr: ErrServiceNotFound,
		},
		{
			name: "characteristic missing",
			setup: func(c *mockConnection) {
				c.services = []Service{{UUID: ServiceUUID, Characteristics: []string{"f0cd1401-95da-4f4b-9ac8-aa55d312af0c"}}}
			},
			wantErr: ErrCharacteristicNotFound,
		},
		{
			name:    "link dropped before services",
			setup:   func(c *mockConnection) { c.connected = false },
			wantErr: ErrLostConnection,
		},
		{
			name:    "link dropped during services",
			setup:   func(c *mockConnection) { c.dropOnServices = true },
			wantErr: ErrLostConnection,
		},
		{
			name:    "link dropped before read",
			setup:   func(c *mockConnection) { c.dropBeforeRead = true },
			wantErr: ErrLostConnection,
		},
		{
			name:    "read error",
			setup:   func(c *mockConnection) { c.readErr = errors.New("mock: att error") },
			wantErr: ErrReadFailed,
		},
		{
			name:    "short payload",
			setup:   func(c *mockConnection) { c.payload = []byte{0x01, 0x02} },
			wantErr: protocol.ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter()
			tt.setup(adapter.connection)
			c, _ := newTestClient(adapter)

			_, err := c.ReadCurrent(context.Background(), testDevice)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got := adapter.connection.disconnects(); got != 1 {
				t.Errorf("disconnect calls = %d, want 1", got)
			}
			if adapter.connection.IsConnected() {
				t.Error("link still connected after ReadCurrent returned")
			}
		})
	}
}

func TestReadCurrentDecodeErrorWrapsReadFailed(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.payload = []byte{0x01}
	c, _ := newTestClient(adapter)

	_, err := c.ReadCurrent(context.Background(), testDevice)
	if !errors.Is(err, ErrReadFailed) || !errors.Is(err, protocol.ErrMalformedPayload) {
		t.Fatalf("error = %v, want ErrReadFailed wrapping ErrMalformedPayload", err)
	}
}

func TestReadCurrentDisconnectRetriedWhileLinkUp(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.disconnectErrs = []error{errors.New("mock: busy"), errors.New("mock: busy")}
	c, rs := newTestClient(adapter)

	if _, err := c.ReadCurrent(context.Background(), testDevice); err != nil {
		t.Fatalf("ReadCurrent() error = %v", err)
	}
	if got := adapter.connection.disconnects(); got != 3 {
		t.Errorf("disconnect calls = %d, want 3", got)
	}
	if adapter.connection.IsConnected() {
		t.Error("link still connected")
	}
	// settle + two 1s pauses between disconnect attempts
	waits := rs.all()
	if len(waits) != 3 || waits[1] != time.Second || waits[2] != time.Second {
		t.Errorf("waits = %v, want [2s 1s 1s]", waits)
	}
}

func TestReadCurrentDisconnectFailureSwallowed(t *testing.T) {
	adapter := newMockAdapter()
	busy := errors.New("mock: busy")
	adapter.connection.disconnectErrs = []error{busy, busy, busy, busy}
	c, _ := newTestClient(adapter)

	r, err := c.ReadCurrent(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("ReadCurrent() error = %v, teardown failures must not surface", err)
	}
	if r.CO2 != 400 {
		t.Errorf("CO2 = %d, want 400", r.CO2)
	}
	if got := adapter.connection.disconnects(); got != 3 {
		t.Errorf("disconnect calls = %d, want 3", got)
	}
}

func TestReadCurrentDisconnectErrorOnDeadLinkNotRetried(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.dropBeforeRead = true
	adapter.connection.disconnectErrs = []error{errors.New("mock: not connected")}
	c, _ := newTestClient(adapter)

	_, err := c.ReadCurrent(context.Background(), testDevice)
	if !errors.Is(err, ErrLostConnection) {
		t.Fatalf("error = %v, want ErrLostConnection", err)
	}
	if got := adapter.connection.disconnects(); got != 1 {
		t.Errorf("disconnect calls = %d, want 1", got)
	}
}

func TestReadCurrentCancelledDuringSettleStillDisconnects(t *testing.T) {
	adapter := newMockAdapter()
	c := NewClient(adapter, DefaultClientOptions())
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.ReadCurrent(ctx, testDevice)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := adapter.connection.disconnects(); got != 1 {
		t.Errorf("disconnect calls = %d, want 1", got)
	}
}

func TestSessionStateEndsDisconnected(t *testing.T) {
	adapter := newMockAdapter()
	rs := &recordingSleep{}
	s := newSession(adapter, testDevice, DefaultClientOptions(), rs.Sleep, time.Now)

	if s.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want disconnected", s.State())
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("final state = %v, want disconnected", s.State())
	}
}

func TestStateString(t *testing.T) {
	if got := StateCharacteristicResolved.String(); got != "characteristic-resolved" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestIsSessionError(t *testing.T) {
	if !IsSessionError(ErrLostConnection) {
		t.Error("ErrLostConnection should be a session error")
	}
	if IsSessionError(ErrDeviceNotFound) {
		t.Error("ErrDeviceNotFound is not a session error")
	}
}
