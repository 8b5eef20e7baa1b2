// Package recovery brings a wedged Bluetooth adapter back, first by toggling
// its power and, failing that, by restarting the whole radio stack.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/aranet-relay/internal/clock"
)

// ErrRecoveryFailed is returned when neither soft reset nor power-cycle worked.
var ErrRecoveryFailed = errors.New("recovery: adapter recovery failed")

// HostControl abstracts the privileged host operations on the adapter.
type HostControl interface {
	AdapterDown(ctx context.Context) error
	AdapterUp(ctx context.Context) error
	RadioServiceStop(ctx context.Context) error
	RadioServiceStart(ctx context.Context) error
	RadioBlock(ctx context.Context) error
	RadioUnblock(ctx context.Context) error
}

// Method identifies which recovery action brought the adapter back.
type Method string

const (
	MethodNone       Method = ""
	MethodSoftReset  Method = "soft-reset"
	MethodPowerCycle Method = "power-cycle"
)

// Options holds the settle delays after each step.
type Options struct {
	AfterDown         time.Duration
	AfterUp           time.Duration
	AfterServiceStop  time.Duration
	AfterBlock        time.Duration
	AfterUnblock      time.Duration
	AfterServiceStart time.Duration
}

// DefaultOptions returns the production settle delays. Power-cycle waits
// are longer because the whole stack restarts.
func DefaultOptions() Options {
	return Options{
		AfterDown:         time.Second,
		AfterUp:           2 * time.Second,
		AfterServiceStop:  2 * time.Second,
		AfterBlock:        2 * time.Second,
		AfterUnblock:      2 * time.Second,
		AfterServiceStart: 5 * time.Second,
	}
}

// Recovery resets the adapter through a HostControl.
type Recovery struct {
	host  HostControl
	opts  Options
	sleep clock.SleepFunc
}

// New creates a Recovery.
func New(host HostControl, opts Options) *Recovery {
	return &Recovery{host: host, opts: opts, sleep: clock.Sleep}
}

type step struct {
	name   string
	run    func(context.Context) error
	settle time.Duration
}

func (r *Recovery) runSteps(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("recovery: %s: %w", s.name, err)
		}
		if err := r.sleep(ctx, s.settle); err != nil {
			return err
		}
	}
	return nil
}

// SoftReset brings the adapter link down and up again.
func (r *Recovery) SoftReset(ctx context.Context) error {
	slog.Info("[RECOVERY] soft reset")
	return r.runSteps(ctx, []step{
		{"adapter down", r.host.AdapterDown, r.opts.AfterDown},
		{"adapter up", r.host.AdapterUp, r.opts.AfterUp},
	})
}

// PowerCycle stops the radio service, blocks and unblocks the radio, and
// starts the service again. Once the service has stopped, a failure still
// unblocks the radio and restarts the service before returning.
func (r *Recovery) PowerCycle(ctx context.Context) error {
	slog.Info("[RECOVERY] power-cycling radio")
	if err := r.host.RadioServiceStop(ctx); err != nil {
		return fmt.Errorf("recovery: stop radio service: %w", err)
	}

	err := r.sleep(ctx, r.opts.AfterServiceStop)
	if err == nil {
		err = r.runSteps(ctx, []step{
			{"block radio", r.host.RadioBlock, r.opts.AfterBlock},
			{"unblock radio", r.host.RadioUnblock, r.opts.AfterUnblock},
			{"start radio service", r.host.RadioServiceStart, r.opts.AfterServiceStart},
		})
	}
	if err == nil {
		return nil
	}
	slog.Warn("[RECOVERY] power-cycle failed, restoring radio", "error", err)
	return errors.Join(err, r.restoreRadio(ctx))
}

// restoreRadio unblocks the radio and starts the service, ignoring
// cancellation of ctx.
func (r *Recovery) restoreRadio(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if err := r.host.RadioUnblock(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recovery: restore: unblock radio: %w", err))
	}
	if err := r.host.RadioServiceStart(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recovery: restore: start radio service: %w", err))
	}
	return errors.Join(errs...)
}

// ResetAdapter tries SoftReset and falls back to PowerCycle. It reports
// the method that worked, or ErrRecoveryFailed joined with both causes.
func (r *Recovery) ResetAdapter(ctx context.Context) (Method, error) {
	softErr := r.SoftReset(ctx)
	if softErr == nil {
		slog.Info("[RECOVERY] adapter recovered", "method", MethodSoftReset)
		return MethodSoftReset, nil
	}
	slog.Warn("[RECOVERY] soft reset failed", "error", softErr)
	if ctx.Err() != nil {
		return MethodNone, ctx.Err()
	}

	cycleErr := r.PowerCycle(ctx)
	if cycleErr == nil {
		slog.Info("[RECOVERY] adapter recovered", "method", MethodPowerCycle)
		return MethodPowerCycle, nil
	}
	slog.Error("[RECOVERY] power-cycle failed", "error", cycleErr)
	return MethodNone, errors.Join(ErrRecoveryFailed, softErr, cycleErr)
}
