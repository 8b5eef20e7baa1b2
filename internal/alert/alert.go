// Package alert notifies the operator when the relay cannot do its job.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Report is a single operator alert.
type Report struct {
	DeviceID string
	Detail   string
	Time     time.Time
}

// Subject returns the alert subject line.
func (r Report) Subject() string {
	return "Aranet Reader Error - " + r.DeviceID
}

// Body renders the plain-text alert body.
func (r Report) Body() string {
	var b strings.Builder
	b.WriteString("Error Report from Aranet Reader\n\n")
	fmt.Fprintf(&b, "Time: %s\n", r.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Device: %s\n", r.DeviceID)
	fmt.Fprintf(&b, "Location: %s\n\n", strings.TrimPrefix(r.DeviceID, "aranet4-"))
	b.WriteString("Error Details:\n")
	b.WriteString(r.Detail)
	b.WriteString("\n\nSystem Info:\n")
	fmt.Fprintf(&b, "- Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "- Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "- Process ID: %d\n\n", os.Getpid())
	b.WriteString("Please check the device and restart if necessary.\n")
	return b.String()
}

// Sender delivers a Report.
type Sender interface {
	Alert(ctx context.Context, r Report) error
}

// LogSender writes alerts to the log. It is used when no mail transport
// is configured.
type LogSender struct{}

func (LogSender) Alert(_ context.Context, r Report) error {
	slog.Error("[ALERT] "+r.Subject(), "detail", r.Detail, "time", r.Time)
	return nil
}

// Throttled forwards alerts to a Sender at a bounded rate. Alerts over the
// limit are logged and dropped; a flapping sensor would otherwise send
// one mail every retry interval.
type Throttled struct {
	next    Sender
	limiter *rate.Limiter
}

// NewThrottled allows burst alerts at once and then one per interval.
// A zero interval disables throttling.
func NewThrottled(next Sender, interval time.Duration, burst int) *Throttled {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Alert(ctx context.Context, r Report) error {
	if !t.limiter.Allow() {
		slog.Warn("[ALERT] suppressed by rate limit", "device", r.DeviceID, "detail", r.Detail)
		return nil
	}
	return t.next.Alert(ctx, r)
}
