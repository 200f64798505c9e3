// Package ingest consumes platform webhook delivery reports from Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"frameworks/api_automation/internal/metrics"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
)

// DefaultTopic carries one WebhookStatus per delivery attempt.
const DefaultTopic = "social.webhook_status"

const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// WebhookStatus reports whether the platform reached our webhook endpoint
// for a workspace.
type WebhookStatus struct {
	WorkspaceID string    `json:"workspace_id"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// FailureRecorder counts a webhook failure against the workspace's push
// health window.
type FailureRecorder interface {
	RecordWebhookFailure(workspaceID string)
}

type WebhookHandler struct {
	recorder FailureRecorder
	logger   logging.Logger
	metrics  *metrics.Metrics
}

func NewWebhookHandler(recorder FailureRecorder, logger logging.Logger, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{recorder: recorder, logger: logger, metrics: m}
}

// Register subscribes the handler to topic on the consumer.
func (h *WebhookHandler) Register(c *kafka.Consumer, topic string) {
	if topic == "" {
		topic = DefaultTopic
	}
	c.AddHandler(topic, h.Handle)
}

// Handle is a kafka.Handler. Reports that can never be decoded wrap
// kafka.ErrPoison so the consumer parks them instead of blocking.
func (h *WebhookHandler) Handle(_ context.Context, msg kafka.Message) error {
	var report WebhookStatus
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		h.metrics.WebhookReport("invalid")
		return fmt.Errorf("decode webhook status: %v: %w", err, kafka.ErrPoison)
	}
	if report.WorkspaceID == "" {
		h.metrics.WebhookReport("invalid")
		return fmt.Errorf("webhook status without workspace_id: %w", kafka.ErrPoison)
	}

	switch report.Status {
	case StatusFailed:
		h.metrics.WebhookReport(StatusFailed)
		logging.ForWorkspace(h.logger, report.WorkspaceID).WithFields(logging.Fields{
			"reason": report.Reason,
			"offset": msg.Offset,
		}).Debug("Webhook delivery failed")
		h.recorder.RecordWebhookFailure(report.WorkspaceID)
	case StatusDelivered:
		h.metrics.WebhookReport(StatusDelivered)
	default:
		h.metrics.WebhookReport("invalid")
		return fmt.Errorf("unknown webhook status %q: %w", report.Status, kafka.ErrPoison)
	}
	return nil
}
