package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
	"github.com/chaz8081/aranet-relay/internal/clock"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateServiceResolved
	StateCharacteristicResolved
	StateReading
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServiceResolved:
		return "service-resolved"
	case StateCharacteristicResolved:
		return "characteristic-resolved"
	case StateReading:
		return "reading"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session performs one connect → resolve → read → disconnect sequence
// against a single device. A Session is used once and is not safe for
// concurrent use.
type Session struct {
	adapter Adapter
	device  Device
	opts    ClientOptions
	sleep   clock.SleepFunc
	now     func() time.Time

	state State
	conn  Connection
}

func newSession(adapter Adapter, dev Device, opts ClientOptions, sleep clock.SleepFunc, now func() time.Time) *Session {
	return &Session{
		adapter: adapter,
		device:  dev,
		opts:    opts,
		sleep:   sleep,
		now:     now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

func (s *Session) setState(st State) {
	slog.Debug("[BLE] session state", "device", s.device.Name, "from", s.state, "to", st)
	s.state = st
}

// Run executes the session. Once a connection has been opened, it is torn
// down before Run returns on every path.
func (s *Session) Run(ctx context.Context) (reading protocol.Reading, err error) {
	if err := s.connect(ctx); err != nil {
		return protocol.Reading{}, err
	}
	defer s.teardown()

	slog.Info("[BLE] connected", "name", s.device.Name, "address", s.device.Address)

	// Service discovery right after the link opens is unreliable.
	if err := s.sleep(ctx, s.opts.SettleDelay); err != nil {
		return protocol.Reading{}, err
	}

	if !s.conn.IsConnected() {
		return protocol.Reading{}, fmt.Errorf("%w: before service discovery", ErrLostConnection)
	}
	svc, err := s.resolveService()
	if err != nil {
		return protocol.Reading{}, err
	}
	s.setState(StateServiceResolved)

	if err := s.resolveCharacteristic(svc); err != nil {
		return protocol.Reading{}, err
	}
	s.setState(StateCharacteristicResolved)

	if !s.conn.IsConnected() {
		return protocol.Reading{}, fmt.Errorf("%w: before read", ErrLostConnection)
	}
	s.setState(StateReading)

	data, err := s.conn.Read(s.opts.ServiceUUID, s.opts.CharacteristicUUID)
	if err != nil {
		return protocol.Reading{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	reading, err = protocol.Decode(data, s.now)
	if err != nil {
		return protocol.Reading{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}

	slog.Info("[BLE] reading", "name", s.device.Name, "summary", reading.String())
	return reading, nil
}

// connect opens the link, retrying the handshake up to ConnectAttempts times.
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= s.opts.ConnectAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.opts.ConnectBackoff); err != nil {
				s.setState(StateDisconnected)
				return err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		conn, err := s.adapter.Connect(attemptCtx, s.device.Address)
		cancel()
		if err == nil {
			s.conn = conn
			s.setState(StateConnected)
			return nil
		}

		lastErr = err
		slog.Warn("[BLE] connect attempt failed", "address", s.device.Address, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
	}

	s.setState(StateDisconnected)
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, s.device.Address, s.opts.ConnectAttempts, lastErr)
}

func (s *Session) resolveService() (Service, error) {
	services, err := s.conn.Services()
	if err != nil {
		if !s.conn.IsConnected() {
			return Service{}, fmt.Errorf("%w: during service discovery: %w", ErrLostConnection, err)
		}
		return Service{}, fmt.Errorf("%w: discover services: %w", ErrServiceNotFound, err)
	}
	for _, svc := range services {
		if sameUUID(svc.UUID, s.opts.ServiceUUID) {
			return svc, nil
		}
	}
	return Service{}, fmt.Errorf("%w: %s", ErrServiceNotFound, s.opts.ServiceUUID)
}

func (s *Session) resolveCharacteristic(svc Service) error {
	for _, c := range svc.Characteristics {
		if sameUUID(c, s.opts.CharacteristicUUID) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, s.opts.CharacteristicUUID)
}

// teardown disconnects once; the call is repeated only while the transport
// still reports the link as up. Failures are logged, never returned.
func (s *Session) teardown() {
	s.setState(StateDisconnecting)

	var err error
	for attempt := 1; attempt <= s.opts.DisconnectAttempts; attempt++ {
		err = s.conn.Disconnect()
		if err == nil || !s.conn.IsConnected() {
			err = nil
			break
		}
		slog.Warn("[BLE] disconnect failed", "address", s.device.Address, "attempt", attempt, "error", err)
		if attempt < s.opts.DisconnectAttempts {
			// Teardown must finish even when the cycle was cancelled.
			_ = s.sleep(context.Background(), s.opts.DisconnectBackoff)
		}
	}

	s.setState(StateDisconnected)
	if err != nil {
		slog.Error("[BLE] giving up on disconnect", "address", s.device.Address, "error", err)
		return
	}
	slog.Info("[BLE] disconnected", "name", s.device.Name)
}

func sameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}

// IsSessionError reports whether err came from a connection session.
func IsSessionError(err error) bool {
	for _, target := range []error{ErrConnectFailed, ErrLostConnection, ErrServiceNotFound, ErrCharacteristicNotFound, ErrReadFailed} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
