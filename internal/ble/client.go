package ble

import (
	"context"
	"time"

	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
	"github.com/chaz8081/aranet-relay/internal/clock"
)

// ClientOptions configures the connection session behavior.
type ClientOptions struct {
	ConnectAttempts    int           // link handshakes per session
	ConnectTimeout     time.Duration // per handshake
	ConnectBackoff     time.Duration // between handshakes
	SettleDelay        time.Duration // after the link opens, before any GATT I/O
	DisconnectAttempts int           // disconnect calls while the link stays up
	DisconnectBackoff  time.Duration // between disconnect calls

	ServiceUUID        string
	CharacteristicUUID string
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectAttempts:    3,
		ConnectTimeout:     20 * time.Second,
		ConnectBackoff:     2 * time.Second,
		SettleDelay:        2 * time.Second,
		DisconnectAttempts: 3,
		DisconnectBackoff:  time.Second,
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CurrentReadingsUUID,
	}
}

// Client reads the current measurements from a sensor, one session per call.
type Client struct {
	adapter Adapter
	opts    ClientOptions
	sleep   clock.SleepFunc
	now     func() time.Time
}

// NewClient creates a Client. Unset counts, timeouts and UUIDs fall back to
// DefaultClientOptions; zero delays are kept as given.
func NewClient(adapter Adapter, opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.DisconnectAttempts <= 0 {
		opts.DisconnectAttempts = def.DisconnectAttempts
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	return &Client{
		adapter: adapter,
		opts:    opts,
		sleep:   clock.Sleep,
		now:     time.Now,
	}
}

// ReadCurrent runs a fresh Session against dev and returns its reading.
func (c *Client) ReadCurrent(ctx context.Context, dev Device) (protocol.Reading, error) {
	return newSession(c.adapter, dev, c.opts, c.sleep, c.now).Run(ctx)
}
