// Package agent runs the acquisition cycle and the resilience loop around it:
// find the sensor, optionally pair, read, submit, and escalate to adapter
// recovery when acquisitions keep failing.
package agent

import (
	"context"
	"time"

	"github.com/chaz8081/aranet-relay/internal/alert"
	"github.com/chaz8081/aranet-relay/internal/ble"
	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
	"github.com/chaz8081/aranet-relay/internal/clock"
	"github.com/chaz8081/aranet-relay/internal/recovery"
)

// Locator finds the target sensor by advertised name.
type Locator interface {
	Locate(ctx context.Context, target string) (ble.Device, error)
}

// Pairer bonds with the sensor. It may block on operator input.
type Pairer interface {
	Pair(ctx context.Context, dev ble.Device) error
}

// Reader performs one connection session and returns the current reading.
type Reader interface {
	ReadCurrent(ctx context.Context, dev ble.Device) (protocol.Reading, error)
}

// Recoverer resets the host Bluetooth adapter.
type Recoverer interface {
	ResetAdapter(ctx context.Context) (recovery.Method, error)
}

// Collector delivers a reading to the remote collector.
type Collector interface {
	Submit(ctx context.Context, deviceID string, r protocol.Reading) error
}

// Alerter notifies the operator.
type Alerter interface {
	Alert(ctx context.Context, r alert.Report) error
}

// Deps are the components the agent drives. Pairer may be nil when the
// sensor never needs pairing.
type Deps struct {
	Locator   Locator
	Pairer    Pairer
	Reader    Reader
	Recoverer Recoverer
	Collector Collector
	Alerter   Alerter
}

// Options configures the agent.
type Options struct {
	DeviceID     string // identity reported to the collector
	Target       string // advertised name of the sensor
	NeedsPairing bool

	Attempts         int           // outer acquisition attempts per cycle
	AttemptBackoff   time.Duration // wait between attempts
	PollInterval     time.Duration // wait after a submitted reading
	RetryInterval    time.Duration // wait after any failure
	RecoverySettle   time.Duration // wait after an adapter reset
	FailureThreshold int           // consecutive failures before a reset
	SubmitTimeout    time.Duration
	AlertTimeout     time.Duration
}

// DefaultOptions returns the production timing. DeviceID and Target have no
// default.
func DefaultOptions() Options {
	return Options{
		Attempts:         3,
		AttemptBackoff:   5 * time.Second,
		PollInterval:     30 * time.Minute,
		RetryInterval:    30 * time.Second,
		RecoverySettle:   5 * time.Second,
		FailureThreshold: 3,
		SubmitTimeout:    30 * time.Second,
		AlertTimeout:     30 * time.Second,
	}
}

// Agent owns the failure tally and the pairing flag. It is driven by a
// single goroutine and is not safe for concurrent use.
type Agent struct {
	deps Deps
	opts Options

	needsPairing bool
	failures     int

	sleep clock.SleepFunc
	now   func() time.Time
}

// New creates an Agent.
func New(deps Deps, opts Options) *Agent {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = 30 * time.Second
	}
	return &Agent{
		deps:         deps,
		opts:         opts,
		needsPairing: opts.NeedsPairing,
		sleep:        clock.Sleep,
		now:          time.Now,
	}
}

// NeedsPairing reports whether the next attempt will pair first.
func (a *Agent) NeedsPairing() bool { return a.needsPairing }

// Failures returns the consecutive failure tally.
func (a *Agent) Failures() int { return a.failures }
