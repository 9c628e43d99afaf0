// Package webhook notifies an external endpoint about new approval
// requests so operators can respond from chat or ticketing tools.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/approval"
)

const notifyTimeout = 10 * time.Second

// Notifier wraps an approval backend and POSTs each submitted request to
// the configured URL. Delivery is fire-and-forget: a webhook failure never
// blocks or fails the approval itself.
type Notifier struct {
	approval.Backend

	url    string
	client *http.Client
	logger *slog.Logger
}

var _ approval.Backend = (*Notifier)(nil)

// New wraps backend with webhook delivery to url.
func New(backend approval.Backend, url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		Backend: backend,
		url:     url,
		client:  &http.Client{Timeout: notifyTimeout},
		logger:  logger,
	}
}

// payload is the webhook body. Args are the display copy: already redacted
// and truncated before submission.
type payload struct {
	Type      string           `json:"type"`
	Approval  approval.Request `json:"approval"`
	RespondBy time.Time        `json:"respond_by"`
}

// Submit stores the request and then notifies the webhook asynchronously.
func (n *Notifier) Submit(ctx context.Context, req approval.Request) error {
	if err := n.Backend.Submit(ctx, req); err != nil {
		return err
	}
	go n.notify(req)
	return nil
}

func (n *Notifier) notify(req approval.Request) {
	body, err := json.Marshal(payload{
		Type:      "approval_requested",
		Approval:  req,
		RespondBy: req.ExpiresAt,
	})
	if err != nil {
		n.logger.Warn("webhook payload encoding failed", "approval_id", req.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request creation failed", "approval_id", req.ID, "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "approval_id", req.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected", "approval_id", req.ID, "status", resp.StatusCode)
		return
	}
	n.logger.Debug("approval webhook delivered", "approval_id", req.ID)
}
