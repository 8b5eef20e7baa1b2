package recovery

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

// mockHost records calls and fails the named steps.
type mockHost struct {
	calls []string
	fail  map[string]error
}

func (h *mockHost) do(name string) error {
	h.calls = append(h.calls, name)
	return h.fail[name]
}

func (h *mockHost) AdapterDown(context.Context) error       { return h.do("down") }
func (h *mockHost) AdapterUp(context.Context) error         { return h.do("up") }
func (h *mockHost) RadioServiceStop(context.Context) error  { return h.do("stop") }
func (h *mockHost) RadioServiceStart(context.Context) error { return h.do("start") }
func (h *mockHost) RadioBlock(context.Context) error        { return h.do("block") }
func (h *mockHost) RadioUnblock(context.Context) error      { return h.do("unblock") }

func newTestRecovery(host HostControl) (*Recovery, *[]time.Duration) {
	var waits []time.Duration
	r := New(host, DefaultOptions())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return r, &waits
}

func TestResetAdapterSoftResetSucceeds(t *testing.T) {
	host := &mockHost{}
	r, waits := newTestRecovery(host)

	method, err := r.ResetAdapter(context.Background())
	if err != nil {
		t.Fatalf("ResetAdapter() error = %v", err)
	}
	if method != MethodSoftReset {
		t.Errorf("method = %q, want %q", method, MethodSoftReset)
	}
	if want := []string{"down", "up"}; !reflect.DeepEqual(host.calls, want) {
		t.Errorf("calls = %v, want %v", host.calls, want)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(*waits, want) {
		t.Errorf("waits = %v, want %v", *waits, want)
	}
}

func TestResetAdapterFallsBackToPowerCycle(t *testing.T) {
	host := &mockHost{fail: map[string]error{"up": errors.New("mock: org.bluez.Error.Busy")}}
	r, waits := newTestRecovery(host)

	method, err := r.ResetAdapter(context.Background())
	if err != nil {
		t.Fatalf("ResetAdapter() error = %v", err)
	}
	if method != MethodPowerCycle {
		t.Errorf("method = %q, want %q", method, MethodPowerCycle)
	}
	want := []string{"down", "up", "stop", "block", "unblock", "start"}
	if !reflect.DeepEqual(host.calls, want) {
		t.Errorf("calls = %v, want %v", host.calls, want)
	}
	// down settle, then the four power-cycle settles
	if len(*waits) != 5 || (*waits)[4] != 5*time.Second {
		t.Errorf("waits = %v", *waits)
	}
}

func TestResetAdapterBothFail(t *testing.T) {
	softCause := errors.New("mock: adapter gone")
	cycleCause := errors.New("mock: rfkill missing")
	host := &mockHost{fail: map[string]error{"down": softCause, "block": cycleCause}}
	r, _ := newTestRecovery(host)

	method, err := r.ResetAdapter(context.Background())
	if method != MethodNone {
		t.Errorf("method = %q, want none", method)
	}
	if !errors.Is(err, ErrRecoveryFailed) {
		t.Fatalf("error = %v, want ErrRecoveryFailed", err)
	}
	if !errors.Is(err, softCause) || !errors.Is(err, cycleCause) {
		t.Errorf("error = %v, should carry both causes", err)
	}
	// A failed soft reset stops at its step; a failed power-cycle still
	// unblocks the radio and restarts the service.
	want := []string{"down", "stop", "block", "unblock", "start"}
	if !reflect.DeepEqual(host.calls, want) {
		t.Errorf("calls = %v, want %v", host.calls, want)
	}
}

func TestPowerCycleRestoresRadioAfterFailure(t *testing.T) {
	tests := []struct {
		name      string
		fail      map[string]error
		wantCalls []string
	}{
		{
			name:      "block fails",
			fail:      map[string]error{"block": errors.New("mock: rfkill busy")},
			wantCalls: []string{"stop", "block", "unblock", "start"},
		},
		{
			name:      "unblock fails",
			fail:      map[string]error{"unblock": errors.New("mock: rfkill busy")},
			wantCalls: []string{"stop", "block", "unblock", "unblock", "start"},
		},
		{
			name:      "start fails",
			fail:      map[string]error{"start": errors.New("mock: unit failed")},
			wantCalls: []string{"stop", "block", "unblock", "start", "unblock", "start"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &mockHost{fail: tt.fail}
			r, _ := newTestRecovery(host)

			err := r.PowerCycle(context.Background())
			if err == nil {
				t.Fatal("PowerCycle() error = nil, want failure")
			}
			for _, cause := range tt.fail {
				if !errors.Is(err, cause) {
					t.Errorf("error = %v, want it to carry %v", err, cause)
				}
			}
			if !reflect.DeepEqual(host.calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", host.calls, tt.wantCalls)
			}
		})
	}
}

func TestPowerCycleStopFailureSkipsRestore(t *testing.T) {
	host := &mockHost{fail: map[string]error{"stop": errors.New("mock: access denied")}}
	r, _ := newTestRecovery(host)

	if err := r.PowerCycle(context.Background()); err == nil {
		t.Fatal("PowerCycle() error = nil, want failure")
	}
	if want := []string{"stop"}; !reflect.DeepEqual(host.calls, want) {
		t.Errorf("calls = %v, want %v", host.calls, want)
	}
}

func TestPowerCycleCancelledStillRestores(t *testing.T) {
	host := &mockHost{}
	r, _ := newTestRecovery(host)
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		if d == r.opts.AfterServiceStop {
			cancel()
		}
		return ctx.Err()
	}

	err := r.PowerCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if want := []string{"stop", "unblock", "start"}; !reflect.DeepEqual(host.calls, want) {
		t.Errorf("calls = %v, want %v", host.calls, want)
	}
}

func TestResetAdapterCancelledSkipsPowerCycle(t *testing.T) {
	host := &mockHost{}
	r, _ := newTestRecovery(host)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ResetAdapter(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if want := []string{"down"}; !reflect.DeepEqual(host.calls, want) {
		t.Errorf("calls = %v, want %v", host.calls, want)
	}
}

func TestSystemHostRfkill(t *testing.T) {
	h := NewSystemHost("", "")
	var got []string
	h.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		got = append(got, name+" "+strings.Join(args, " "))
		return nil, nil
	}

	if err := h.RadioBlock(context.Background()); err != nil {
		t.Fatalf("RadioBlock() error = %v", err)
	}
	if err := h.RadioUnblock(context.Background()); err != nil {
		t.Fatalf("RadioUnblock() error = %v", err)
	}
	want := []string{"rfkill block bluetooth", "rfkill unblock bluetooth"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestSystemHostRfkillErrorIncludesOutput(t *testing.T) {
	h := NewSystemHost("hci1", "bluetooth.service")
	h.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("rfkill: cannot open /dev/rfkill: Permission denied\n"), errors.New("exit status 1")
	}

	err := h.RadioBlock(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Permission denied") {
		t.Errorf("RadioBlock() error = %v, want command output included", err)
	}
}

func TestNewSystemHostDefaults(t *testing.T) {
	h := NewSystemHost("", "")
	if h.adapterName != "hci0" {
		t.Errorf("adapterName = %q, want hci0", h.adapterName)
	}
	if h.serviceUnit != "bluetooth.service" {
		t.Errorf("serviceUnit = %q, want bluetooth.service", h.serviceUnit)
	}
}
