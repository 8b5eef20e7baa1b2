package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
)

// HTTPCollector posts readings as JSON to an HTTP endpoint.
type HTTPCollector struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPCollector creates an HTTPCollector. The API key is sent in the
// X-API-Key header.
func NewHTTPCollector(endpoint, apiKey string, timeout time.Duration) *HTTPCollector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCollector{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Submit posts one reading. Any non-2xx response is a *StatusError; a
// failure to reach the endpoint is a *TransportError.
func (c *HTTPCollector) Submit(ctx context.Context, deviceID string, r protocol.Reading) error {
	body, err := json.Marshal(NewPayload(deviceID, r))
	if err != nil {
		return fmt.Errorf("collector: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("collector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Idempotency-Key", IdempotencyKey(deviceID, r))

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Info("[COLLECTOR] reading submitted", "device", deviceID, "status", resp.StatusCode)
	return nil
}
