package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
)

// ErrNoPairer is returned when pairing is required but no Pairer is wired.
var ErrNoPairer = errors.New("agent: pairing required but no pairer configured")

// CycleError is returned by AcquireOnce when every attempt failed. It
// unwraps to the last attempt's error.
type CycleError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("agent: acquisition failed after %d attempt(s) in %s: %v",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// AcquireOnce makes up to Options.Attempts attempts to locate, pair if
// needed, and read the sensor. Earlier failures are logged; only the last
// one is returned.
func (a *Agent) AcquireOnce(ctx context.Context) (protocol.Reading, error) {
	log := slog.With("cycle", uuid.NewString())
	start := a.now()

	var (
		lastErr  error
		attempts int
	)
	for attempts < a.opts.Attempts {
		if attempts > 0 {
			if err := a.sleep(ctx, a.opts.AttemptBackoff); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
		attempts++

		reading, err := a.attempt(ctx, log)
		if err == nil {
			log.Info("[AGENT] reading acquired", "attempt", attempts, "reading", reading.String())
			return reading, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempts < a.opts.Attempts {
			log.Warn("[AGENT] acquisition attempt failed", "attempt", attempts, "of", a.opts.Attempts, "error", err)
		}
	}

	return protocol.Reading{}, &CycleError{
		Attempts: attempts,
		Elapsed:  a.now().Sub(start),
		Err:      lastErr,
	}
}

func (a *Agent) attempt(ctx context.Context, log *slog.Logger) (protocol.Reading, error) {
	dev, err := a.deps.Locator.Locate(ctx, a.opts.Target)
	if err != nil {
		return protocol.Reading{}, err
	}

	if a.needsPairing {
		if a.deps.Pairer == nil {
			return protocol.Reading{}, ErrNoPairer
		}
		log.Info("[AGENT] pairing with sensor", "name", dev.Name, "address", dev.Address)
		if err := a.deps.Pairer.Pair(ctx, dev); err != nil {
			return protocol.Reading{}, err
		}
		a.needsPairing = false
		log.Info("[AGENT] pairing complete", "address", dev.Address)
	}

	return a.deps.Reader.ReadCurrent(ctx, dev)
}
