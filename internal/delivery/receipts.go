package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/platform/messagebroker"
	"github.com/classping/notify/internal/repository"
)

const (
	// SubjectReceipts carries asynchronous delivery receipts from channel
	// providers (push and SMS gateways report back through the broker).
	SubjectReceipts   = "notify.receipts"
	receiptQueueGroup = "notify-delivery"
)

// Receipt is the provider callback payload relayed over the broker.
type Receipt struct {
	MessageID         string    `json:"message_id"`
	Status            string    `json:"status"` // "delivered" is the only applied status
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at,omitempty"`
}

// ReceiptConsumer applies delivery receipts to messages waiting in the sent
// state. Receipts are at-least-once: duplicates and receipts for already
// terminal messages are dropped without effect.
type ReceiptConsumer struct {
	natsClient *messagebroker.NATSClient
	messages   repository.MessageRepository
	observer   Observer
	logger     *slog.Logger
	clock      func() time.Time
	sub        *nats.Subscription
}

func NewReceiptConsumer(natsClient *messagebroker.NATSClient, messages repository.MessageRepository, observer Observer, logger *slog.Logger) *ReceiptConsumer {
	if observer == nil {
		observer = noopObserver{}
	}
	return &ReceiptConsumer{
		natsClient: natsClient,
		messages:   messages,
		observer:   observer,
		logger:     logger.With("service", "receipt_consumer"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (c *ReceiptConsumer) WithClock(clock func() time.Time) *ReceiptConsumer {
	c.clock = clock
	return c
}

// Start subscribes to the receipt subject. Handlers run on the NATS
// dispatch goroutine; processing failures are logged, never retried by us
// (the broker redelivers nothing on core NATS).
func (c *ReceiptConsumer) Start(ctx context.Context) error {
	handler := func(msg *nats.Msg) {
		if err := c.process(ctx, msg.Data); err != nil {
			c.logger.ErrorContext(ctx, "Failed to process delivery receipt",
				"error", err, "subject", msg.Subject, "data_len", len(msg.Data))
		}
	}

	sub, err := c.natsClient.Subscribe(ctx, SubjectReceipts, receiptQueueGroup, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to receipts: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *ReceiptConsumer) process(ctx context.Context, data []byte) error {
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		receiptsCounter.WithLabelValues("invalid").Inc()
		return fmt.Errorf("failed to deserialize receipt: %w", err)
	}

	if receipt.Status != "delivered" {
		receiptsCounter.WithLabelValues("ignored").Inc()
		c.logger.DebugContext(ctx, "Ignoring non-delivery receipt",
			"message_id", receipt.MessageID, "status", receipt.Status)
		return nil
	}

	id, err := uuid.Parse(receipt.MessageID)
	if err != nil {
		receiptsCounter.WithLabelValues("invalid").Inc()
		return fmt.Errorf("receipt carries malformed message id %q: %w", receipt.MessageID, err)
	}

	at := receipt.OccurredAt
	if at.IsZero() {
		at = c.clock().UTC()
	}
	return c.applyDelivered(ctx, id, at)
}

// applyDelivered moves one message to delivered. Retries version conflicts a
// few times since a receipt can race the accept write or another receipt.
func (c *ReceiptConsumer) applyDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	for tries := 0; tries < 3; tries++ {
		msg, err := c.messages.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				receiptsCounter.WithLabelValues("unknown_message").Inc()
				c.logger.WarnContext(ctx, "Receipt for unknown message", "message_id", id)
				return nil
			}
			return fmt.Errorf("failed to load message for receipt: %w", err)
		}

		next, err := domain.NextMessageState(msg.State, domain.EventDeliver)
		if err != nil {
			if domain.IsInvalidTransition(err) {
				// Duplicate receipt, or the message left the sent state
				// another way. Dropping it keeps receipts idempotent.
				receiptsCounter.WithLabelValues("duplicate").Inc()
				c.logger.DebugContext(ctx, "Dropping receipt without effect",
					"message_id", id, "state", string(msg.State))
				return nil
			}
			return err
		}

		msg.State = next
		msg.DeliveredAt = &at
		msg.NextAttemptAt = nil

		err = c.messages.Update(ctx, msg)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to persist delivery for message %s: %w", id, err)
		}

		receiptsCounter.WithLabelValues("delivered").Inc()
		c.logger.InfoContext(ctx, "Delivery confirmed by receipt",
			"message_id", id, "channel", string(msg.Channel), "delivered_at", at)
		c.observer.MessageDelivered(ctx, msg)
		return nil
	}
	return fmt.Errorf("gave up applying receipt for message %s after repeated version conflicts", id)
}
