package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/aranet-relay/internal/clock"
)

// Pairer is the platform side of bonding with a peripheral.
type Pairer interface {
	// RequestPairing starts pairing with the device at address.
	RequestPairing(ctx context.Context, address string) error
	// ConfirmPIN submits the PIN shown on the device.
	ConfirmPIN(ctx context.Context, address, pin string) error
	// Trust marks the device as trusted for future connections.
	Trust(ctx context.Context, address string) error
	// CancelPairing aborts a pairing started by RequestPairing. It is a
	// no-op when nothing is in progress.
	CancelPairing(ctx context.Context, address string) error
}

// Prompter solicits a line of operator input.
type Prompter interface {
	PromptLine(ctx context.Context, prompt string) (string, error)
}

// PairOptions configures pairing behavior.
type PairOptions struct {
	RequestSettle time.Duration // after the pairing request, before prompting
	ConfirmSettle time.Duration // after the PIN is submitted, before trusting
}

// DefaultPairOptions returns sensible defaults for production use.
func DefaultPairOptions() PairOptions {
	return PairOptions{
		RequestSettle: 2 * time.Second,
		ConfirmSettle: 2 * time.Second,
	}
}

// PairingAgent walks an operator through the one-time interactive pairing.
type PairingAgent struct {
	pairer   Pairer
	prompter Prompter
	opts     PairOptions
	sleep    clock.SleepFunc
}

// NewPairingAgent creates a PairingAgent.
func NewPairingAgent(pairer Pairer, prompter Prompter, opts PairOptions) *PairingAgent {
	return &PairingAgent{
		pairer:   pairer,
		prompter: prompter,
		opts:     opts,
		sleep:    clock.Sleep,
	}
}

// Pair bonds with dev. It blocks until the operator has entered the PIN.
// Every failure wraps ErrPairingFailed, and a failure after the request
// cancels the pairing so the next attempt starts clean.
func (p *PairingAgent) Pair(ctx context.Context, dev Device) (err error) {
	slog.Info("[BLE] pairing", "name", dev.Name, "address", dev.Address)

	if err := p.pairer.RequestPairing(ctx, dev.Address); err != nil {
		return fmt.Errorf("%w: request: %w", ErrPairingFailed, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if cerr := p.pairer.CancelPairing(context.WithoutCancel(ctx), dev.Address); cerr != nil {
			slog.Warn("[BLE] cancel pairing failed", "address", dev.Address, "error", cerr)
		}
	}()

	if err := p.sleep(ctx, p.opts.RequestSettle); err != nil {
		return fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}

	line, err := p.prompter.PromptLine(ctx, fmt.Sprintf("Enter the PIN shown on %s: ", dev.Name))
	if err != nil {
		return fmt.Errorf("%w: read PIN: %w", ErrPairingFailed, err)
	}
	pin := strings.TrimSpace(line)
	if pin == "" {
		return fmt.Errorf("%w: %w", ErrPairingFailed, ErrEmptyPIN)
	}

	if err := p.pairer.ConfirmPIN(ctx, dev.Address, pin); err != nil {
		return fmt.Errorf("%w: confirm PIN: %w", ErrPairingFailed, err)
	}
	if err := p.sleep(ctx, p.opts.ConfirmSettle); err != nil {
		return fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}

	if err := p.pairer.Trust(ctx, dev.Address); err != nil {
		return fmt.Errorf("%w: trust: %w", ErrPairingFailed, err)
	}

	slog.Info("[BLE] paired", "name", dev.Name)
	return nil
}
