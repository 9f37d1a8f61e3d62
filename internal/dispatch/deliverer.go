package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
)

// SessionKeyHeader carries the runtime session key on outbound deliveries so
// the agent process can correlate its work with the session record.
const SessionKeyHeader = "X-Mission-Session-Key"

// HTTPDeliverer posts work payloads to the agent bridge endpoint.
type HTTPDeliverer struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPDeliverer builds a deliverer for the given endpoint with a bounded
// request timeout.
func NewHTTPDeliverer(endpoint string, timeout time.Duration) *HTTPDeliverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDeliverer{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, sessionKey string, item persistence.WorkItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader([]byte(item.Payload)))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionKeyHeader, sessionKey)

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver work %s: %w", item.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver work %s: agent bridge returned %s", item.ID, resp.Status)
	}
	return nil
}

// LogDeliverer records deliveries without handing them anywhere. Used when no
// agent bridge endpoint is configured (local development, smoke runs).
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, sessionKey string, item persistence.WorkItem) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("work delivery (log only)",
		"work_id", item.ID, "session_key", sessionKey, "agent_id", item.AgentID)
	return nil
}
