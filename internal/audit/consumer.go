package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/platform/messagebroker"
	"github.com/classping/notify/internal/repository"
)

const auditQueueGroup = "notify-audit"

// Consumer drains the audit subject into the durable log. Runs as a queue
// subscriber so multiple instances share the work without duplicating rows.
type Consumer struct {
	natsClient *messagebroker.NATSClient
	repo       repository.AuditRepository
	logger     *slog.Logger
	sub        *nats.Subscription
}

func NewConsumer(natsClient *messagebroker.NATSClient, repo repository.AuditRepository, logger *slog.Logger) *Consumer {
	return &Consumer{
		natsClient: natsClient,
		repo:       repo,
		logger:     logger.With("service", "audit_consumer"),
	}
}

// Start subscribes to the audit subject. The subscription stays active until
// Stop is called or the broker connection closes.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.natsClient.Subscribe(ctx, SubjectAudit, auditQueueGroup, func(msg *nats.Msg) {
		if err := c.process(ctx, msg.Data); err != nil {
			c.logger.ErrorContext(ctx, "Failed to persist audit event", "error", err, "subject", msg.Subject)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", SubjectAudit, err)
	}
	c.sub = sub
	c.logger.InfoContext(ctx, "Audit consumer started", "subject", SubjectAudit, "queue_group", auditQueueGroup)
	return nil
}

func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe audit consumer", "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, data []byte) error {
	var event domain.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		eventsPersistedCounter.WithLabelValues("invalid").Inc()
		return fmt.Errorf("decoding audit event: %w", err)
	}
	if event.ID == uuid.Nil || event.Kind == "" {
		eventsPersistedCounter.WithLabelValues("invalid").Inc()
		return fmt.Errorf("audit event missing id or kind")
	}
	if err := c.repo.Append(ctx, &event); err != nil {
		eventsPersistedCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("appending audit event %s: %w", event.ID, err)
	}
	eventsPersistedCounter.WithLabelValues("ok").Inc()
	return nil
}
