package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/metrics"
)

const defaultWebhookBuffer = 256

// WebhookPayload is the JSON body posted for every escalation.
type WebhookPayload struct {
	IncidentID  string                  `json:"incident_id"`
	DatabaseID  string                  `json:"database_id,omitempty"`
	RunID       string                  `json:"run_id,omitempty"`
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Category    domain.IncidentCategory `json:"category"`
	Severity    domain.Severity         `json:"severity"`
	Level       int                     `json:"level"`
	Recipients  []string                `json:"recipients"`
	OpenedAt    time.Time               `json:"opened_at"`
	SLADeadline time.Time               `json:"sla_deadline"`
}

// Webhook posts escalations to an HTTP endpoint. Notify only enqueues;
// deliveries happen in Run, paced by a rate limiter. When the buffer is
// full the escalation is dropped and counted.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	queue   chan WebhookPayload
	logger  *slog.Logger
}

var _ domain.Notifier = (*Webhook)(nil)

// NewWebhook creates a webhook notifier allowing perSecond deliveries.
func NewWebhook(url string, perSecond float64, buffer int, logger *slog.Logger) *Webhook {
	if buffer <= 0 {
		buffer = defaultWebhookBuffer
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
		queue:   make(chan WebhookPayload, buffer),
		logger:  logger.With("component", "notifier", "notifier", "webhook"),
	}
}

func (w *Webhook) Notify(_ context.Context, inc *domain.Incident, level int, recipients []string) {
	p := WebhookPayload{
		IncidentID:  inc.ID,
		DatabaseID:  inc.DatabaseID,
		RunID:       inc.RunID,
		Title:       inc.Title,
		Description: inc.Description,
		Category:    inc.Category,
		Severity:    inc.Severity,
		Level:       level,
		Recipients:  append([]string(nil), recipients...),
		OpenedAt:    inc.OpenedAt,
		SLADeadline: inc.SLADeadline,
	}
	select {
	case w.queue <- p:
	default:
		metrics.NotificationsTotal.WithLabelValues("webhook", "dropped").Inc()
		w.logger.Error("webhook queue full, escalation dropped", "incident_id", inc.ID, "level", level)
	}
}

// Run delivers queued escalations until ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-w.queue:
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := w.deliver(ctx, p); err != nil {
				metrics.NotificationsTotal.WithLabelValues("webhook", "failed").Inc()
				w.logger.Error("webhook delivery failed", "incident_id", p.IncidentID, "level", p.Level, "error", err)
				continue
			}
			metrics.NotificationsTotal.WithLabelValues("webhook", "delivered").Inc()
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, p WebhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
