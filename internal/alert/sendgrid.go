package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendGridHost     = "https://api.sendgrid.com"
	sendGridEndpoint = "/v3/mail/send"
)

// SendGridSender mails alerts through the SendGrid v3 API.
type SendGridSender struct {
	apiKey  string
	from    *mail.Email
	to      *mail.Email
	host    string
	timeout time.Duration
}

// NewSendGridSender creates a SendGridSender.
func NewSendGridSender(apiKey, from, to string, timeout time.Duration) *SendGridSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SendGridSender{
		apiKey:  apiKey,
		from:    mail.NewEmail("Aranet Relay", from),
		to:      mail.NewEmail("", to),
		host:    sendGridHost,
		timeout: timeout,
	}
}

func (s *SendGridSender) Alert(ctx context.Context, r Report) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := mail.NewSingleEmail(s.from, r.Subject(), s.to, r.Body(), "")

	req := sendgrid.GetRequest(s.apiKey, sendGridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(msg)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("alert: send mail: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("alert: sendgrid responded with status %d: %s", resp.StatusCode, resp.Body)
	}
	slog.Info("[ALERT] notification email sent", "to", s.to.Address)
	return nil
}
