package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/platform/messagebroker"
)

const (
	// SubjectAcks carries guardian acknowledgments relayed by channel
	// providers (SMS reply webhooks, app taps, portal clicks).
	SubjectAcks   = "notify.acks.emergency"
	ackQueueGroup = "notify-emergency"
)

// AckPayload is the broker-side acknowledgment message.
type AckPayload struct {
	EmergencyID string `json:"emergency_id"`
	GuardianID  string `json:"guardian_id"`
	Channel     string `json:"channel,omitempty"`
	Method      string `json:"method"`
}

// AckConsumer feeds broker acknowledgments into the engine. Acknowledgments
// are at-least-once; the engine dedupes per guardian so redelivery is
// harmless.
type AckConsumer struct {
	natsClient *messagebroker.NATSClient
	engine     *Engine
	logger     *slog.Logger
	sub        *nats.Subscription
}

func NewAckConsumer(natsClient *messagebroker.NATSClient, engine *Engine, logger *slog.Logger) *AckConsumer {
	return &AckConsumer{
		natsClient: natsClient,
		engine:     engine,
		logger:     logger.With("service", "ack_consumer"),
	}
}

// Start subscribes to the acknowledgment subject.
func (c *AckConsumer) Start(ctx context.Context) error {
	handler := func(msg *nats.Msg) {
		if err := c.process(ctx, msg.Data); err != nil {
			c.logger.ErrorContext(ctx, "Failed to process acknowledgment",
				"error", err, "subject", msg.Subject, "data_len", len(msg.Data))
		}
	}

	sub, err := c.natsClient.Subscribe(ctx, SubjectAcks, ackQueueGroup, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to acknowledgments: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *AckConsumer) process(ctx context.Context, data []byte) error {
	var payload AckPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to deserialize acknowledgment: %w", err)
	}

	emergencyID, err := uuid.Parse(payload.EmergencyID)
	if err != nil {
		return fmt.Errorf("acknowledgment carries malformed emergency id %q: %w", payload.EmergencyID, err)
	}
	guardianID, err := uuid.Parse(payload.GuardianID)
	if err != nil {
		return fmt.Errorf("acknowledgment carries malformed guardian id %q: %w", payload.GuardianID, err)
	}
	if payload.Method == "" {
		return fmt.Errorf("acknowledgment for emergency %s carries no method", emergencyID)
	}

	err = c.engine.RecordAcknowledgment(ctx, emergencyID, guardianID,
		domain.Channel(payload.Channel), domain.AckMethod(payload.Method))
	if errors.Is(err, domain.ErrNotFound) {
		// Providers sometimes relay acks for long-gone incidents.
		c.logger.WarnContext(ctx, "Acknowledgment for unknown emergency",
			"emergency_id", emergencyID, "guardian_id", guardianID)
		return nil
	}
	return err
}
