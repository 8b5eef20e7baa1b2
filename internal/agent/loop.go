package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/aranet-relay/internal/alert"
	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
	"github.com/chaz8081/aranet-relay/internal/collector"
)

// Run acquires and submits readings until ctx is cancelled, then returns
// ctx.Err(). Failures are alerted and retried; after FailureThreshold
// consecutive acquisition failures the adapter is reset.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("[AGENT] starting",
		"device", a.opts.DeviceID,
		"target", a.opts.Target,
		"poll_interval", a.opts.PollInterval,
		"needs_pairing", a.needsPairing,
	)

	for {
		wait := a.cycle(ctx)
		if err := ctx.Err(); err != nil {
			slog.Info("[AGENT] stopping", "reason", err)
			return err
		}
		slog.Debug("[AGENT] waiting for next cycle", "wait", wait)
		if err := a.sleep(ctx, wait); err != nil {
			slog.Info("[AGENT] stopping", "reason", err)
			return err
		}
	}
}

// cycle runs one acquire-and-submit round and returns how long to wait
// before the next one.
func (a *Agent) cycle(ctx context.Context) time.Duration {
	reading, err := a.AcquireOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		a.failures++
		slog.Error("[AGENT] acquisition failed", "failures", a.failures, "error", err)
		if a.failures >= a.opts.FailureThreshold {
			a.recoverAdapter(ctx)
		}
		a.alert(ctx, fmt.Sprintf("failed to acquire reading: %v", err))
		return a.opts.RetryInterval
	}

	if err := a.submit(ctx, reading); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		a.failures++
		kind := "transport"
		if collector.IsRejected(err) {
			kind = "rejected"
		}
		slog.Error("[AGENT] submit failed", "kind", kind, "failures", a.failures, "error", err)
		a.alert(ctx, fmt.Sprintf("failed to submit reading: %v", err))
		return a.opts.RetryInterval
	}

	a.failures = 0
	slog.Info("[AGENT] reading submitted", "device", a.opts.DeviceID, "next_in", a.opts.PollInterval)
	return a.opts.PollInterval
}

// recoverAdapter resets the adapter and clears the tally whatever the
// outcome.
func (a *Agent) recoverAdapter(ctx context.Context) {
	slog.Warn("[AGENT] failure threshold reached, resetting adapter", "failures", a.failures)
	method, err := a.deps.Recoverer.ResetAdapter(ctx)
	a.failures = 0
	if err != nil {
		slog.Error("[AGENT] adapter reset failed", "error", err)
	} else {
		slog.Info("[AGENT] adapter reset", "method", method)
	}
	_ = a.sleep(ctx, a.opts.RecoverySettle)
}

func (a *Agent) submit(ctx context.Context, r protocol.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.SubmitTimeout)
	defer cancel()
	return a.deps.Collector.Submit(ctx, a.opts.DeviceID, r)
}

// alert sends a report; delivery errors are logged and dropped.
func (a *Agent) alert(ctx context.Context, detail string) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.AlertTimeout)
	defer cancel()
	report := alert.Report{DeviceID: a.opts.DeviceID, Detail: detail, Time: a.now()}
	if err := a.deps.Alerter.Alert(ctx, report); err != nil {
		slog.Error("[AGENT] alert delivery failed", "error", err)
	}
}
