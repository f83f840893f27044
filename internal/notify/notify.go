// Package notify fans terminal run transitions out to interested parties:
// structured logs, a redis channel for dashboard consumers, and an optional
// webhook. Delivery is fire-and-forget; a notification failure never affects
// the run outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caseforge/agent-engine/internal/engine"
	"github.com/caseforge/agent-engine/pkg/config"
)

// Notifier implements engine.Notifier.
type Notifier struct {
	rdb        *redis.Client // nil disables the redis channel
	channel    string
	webhookURL string // empty disables the webhook
	httpClient *http.Client
}

func New(rdb *redis.Client, cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		rdb:        rdb,
		channel:    cfg.RedisChannel,
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// event is the payload published on every terminal transition.
type event struct {
	RunID          string `json:"run_id"`
	State          string `json:"state"`
	Iterations     int    `json:"iterations"`
	TotalCostCents int64  `json:"total_cost_cents"`
	ErrorMessage   string `json:"error_message,omitempty"`
	FinishedAt     string `json:"finished_at"`
}

// RunFinished publishes the terminal result everywhere that is configured.
func (n *Notifier) RunFinished(ctx context.Context, result engine.Result) {
	slog.Info("notify: run finished",
		slog.String("run_id", result.RunID.String()),
		slog.String("state", string(result.State)),
		slog.Int("iterations", result.Iterations),
		slog.Int64("total_cost_cents", result.TotalCostCents),
	)

	payload, err := json.Marshal(event{
		RunID:          result.RunID.String(),
		State:          string(result.State),
		Iterations:     result.Iterations,
		TotalCostCents: result.TotalCostCents,
		ErrorMessage:   result.ErrorMessage,
		FinishedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("notify: marshal event", slog.Any("error", err))
		return
	}

	if n.rdb != nil && n.channel != "" {
		if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
			slog.Warn("notify: redis publish failed",
				slog.String("run_id", result.RunID.String()),
				slog.Any("error", err),
			)
		}
	}

	if n.webhookURL != "" {
		if err := n.postWebhook(ctx, payload); err != nil {
			slog.Warn("notify: webhook failed",
				slog.String("run_id", result.RunID.String()),
				slog.Any("error", err),
			)
		}
	}
}

func (n *Notifier) postWebhook(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
