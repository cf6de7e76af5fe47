// Package delivery owns the outbound message lifecycle: claiming queued
// messages, driving one channel attempt at a time, falling back down the
// rank order with backoff, and applying asynchronous delivery receipts.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/classping/notify/internal/channel"
	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/repository"
)

// Observer is notified after delivery milestones are persisted. Implemented
// by the emergency engine to keep incident counters current without the
// delivery layer knowing about emergencies.
type Observer interface {
	MessageSent(ctx context.Context, msg *domain.Message)
	MessageDelivered(ctx context.Context, msg *domain.Message)
	MessageExhausted(ctx context.Context, msg *domain.Message)
}

type noopObserver struct{}

func (noopObserver) MessageSent(context.Context, *domain.Message)      {}
func (noopObserver) MessageDelivered(context.Context, *domain.Message) {}
func (noopObserver) MessageExhausted(context.Context, *domain.Message) {}

// Config bounds one attempt and parameterizes the retry schedule.
type Config struct {
	AttemptTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// Machine executes single delivery attempts for claimed messages. Each
// Dispatch call consumes exactly one attempt: send on the current channel,
// then persist the resulting transition and the attempt record atomically.
type Machine struct {
	messages  repository.MessageRepository
	directory repository.DirectoryRepository
	registry  *channel.Registry
	observer  Observer
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

func NewMachine(messages repository.MessageRepository, directory repository.DirectoryRepository, registry *channel.Registry, observer Observer, cfg Config, logger *slog.Logger) *Machine {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Machine{
		messages:  messages,
		directory: directory,
		registry:  registry,
		observer:  observer,
		cfg:       cfg,
		logger:    logger.With("service", "delivery"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// Dispatch runs one attempt for a message claimed into the sending state.
// The returned error is infrastructure-only (persistence failures); channel
// failures are absorbed into the fallback/exhaust decision.
func (m *Machine) Dispatch(ctx context.Context, msg *domain.Message) error {
	if msg.State != domain.StateSending {
		return &domain.InvalidTransitionError{From: string(msg.State), Event: "dispatch"}
	}

	started := m.clock().UTC()
	msg.AttemptCount++
	attempt := &domain.DeliveryAttempt{
		ID:            uuid.New(),
		MessageID:     msg.ID,
		Channel:       msg.Channel,
		AttemptNumber: msg.AttemptCount,
		StartedAt:     started,
	}

	timer := prometheus.NewTimer(attemptDurationHist.WithLabelValues(string(msg.Channel)))
	result, sendErr := m.send(ctx, msg)
	timer.ObserveDuration()

	finished := m.clock().UTC()
	attempt.FinishedAt = &finished
	attempt.LatencyMillis = finished.Sub(started).Milliseconds()

	if sendErr != nil {
		return m.finishFailed(ctx, msg, attempt, sendErr)
	}
	return m.finishAccepted(ctx, msg, attempt, result)
}

// send resolves the recipient address and submits to the channel provider.
// All failures come back as TransientDeliveryError; the caller decides
// whether the rank order has more to offer.
func (m *Machine) send(ctx context.Context, msg *domain.Message) (*channel.SendResult, error) {
	links, err := m.directory.ListLinksByStudent(ctx, msg.StudentID)
	if err != nil {
		return nil, &domain.TransientDeliveryError{Channel: msg.Channel, ProviderCode: "DIRECTORY_ERROR", Err: err}
	}
	var address string
	for _, l := range links {
		if l.GuardianID == msg.GuardianID {
			address = l.Addresses.AddressFor(msg.Channel)
			break
		}
	}
	if address == "" {
		return nil, &domain.TransientDeliveryError{
			Channel:      msg.Channel,
			ProviderCode: "NO_ADDRESS",
			Err:          fmt.Errorf("guardian %s has no %s address", msg.GuardianID, msg.Channel),
		}
	}

	sender, err := m.registry.SenderFor(msg.Channel)
	if err != nil {
		return nil, &domain.TransientDeliveryError{Channel: msg.Channel, ProviderCode: "NO_SENDER", Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()

	result, err := sender.Send(attemptCtx, channel.SendRequest{
		MessageID: msg.ID.String(),
		Address:   address,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if err != nil {
		return nil, &domain.TransientDeliveryError{Channel: msg.Channel, ProviderCode: "PROVIDER_ERROR", Err: err}
	}
	if !result.Accepted {
		return nil, &domain.TransientDeliveryError{
			Channel:      msg.Channel,
			ProviderCode: result.ProviderStatus,
			Err:          errors.New(result.ErrorMessage),
		}
	}
	return result, nil
}

// finishAccepted persists the post-acceptance transition: channels that
// confirm inline go straight to delivered, the rest wait in sent for their
// receipt. Acceptance locks the message against recall.
func (m *Machine) finishAccepted(ctx context.Context, msg *domain.Message, attempt *domain.DeliveryAttempt, result *channel.SendResult) error {
	now := *attempt.FinishedAt
	event := domain.EventAccept
	outcome := "accepted"
	if result.Delivered {
		event = domain.EventDeliver
		outcome = "delivered"
	}

	next, err := domain.NextMessageState(msg.State, event)
	if err != nil {
		return err
	}
	msg.State = next
	msg.Locked = true
	msg.NextAttemptAt = nil
	msg.ErrorCode = nil
	msg.SentAt = &now
	if result.Delivered {
		msg.DeliveredAt = &now
	}
	attempt.Succeeded = true

	if err := m.messages.FinishAttempt(ctx, msg, attempt); err != nil {
		return fmt.Errorf("failed to persist accepted attempt for message %s: %w", msg.ID, err)
	}
	attemptsCounter.WithLabelValues(string(msg.Channel), outcome).Inc()

	m.logger.InfoContext(ctx, "Channel accepted message",
		"message_id", msg.ID, "channel", string(msg.Channel), "attempt", attempt.AttemptNumber,
		"provider_message_id", result.ProviderMessageID, "state", string(msg.State))

	if result.Delivered {
		m.observer.MessageDelivered(ctx, msg)
	} else {
		m.observer.MessageSent(ctx, msg)
	}
	return nil
}

// finishFailed persists the failure and the fallback decision: next ranked
// channel with a backoff delay while attempts remain, exhausted otherwise.
func (m *Machine) finishFailed(ctx context.Context, msg *domain.Message, attempt *domain.DeliveryAttempt, sendErr error) error {
	now := *attempt.FinishedAt

	next, err := domain.NextMessageState(msg.State, domain.EventFail)
	if err != nil {
		return err
	}
	msg.State = next

	code := providerCode(sendErr)
	attempt.Succeeded = false
	attempt.ErrorCode = &code
	attemptsCounter.WithLabelValues(string(msg.Channel), "failed").Inc()

	m.logger.WarnContext(ctx, "Channel attempt failed",
		"message_id", msg.ID, "channel", string(msg.Channel), "attempt", attempt.AttemptNumber,
		"error_code", code, "error", sendErr)

	policy := domain.RetryPolicyFor(msg.Priority, m.cfg.BaseBackoff, m.cfg.MaxBackoff)
	nextChannel, hasNext := msg.NextChannel()
	exhausted := !hasNext || msg.AttemptCount >= policy.MaxAttempts

	if exhausted {
		state, err := domain.NextMessageState(msg.State, domain.EventExhaust)
		if err != nil {
			return err
		}
		msg.State = state
		msg.NextAttemptAt = nil
		msg.ErrorCode = &code
	} else {
		state, err := domain.NextMessageState(msg.State, domain.EventFallback)
		if err != nil {
			return err
		}
		fallbacksCounter.WithLabelValues(string(msg.Channel), string(nextChannel)).Inc()
		from := msg.Channel
		msg.State = state
		msg.Channel = nextChannel
		msg.ErrorCode = &code
		delay := NextDelay(policy, msg.ID, msg.AttemptCount)
		at := now.Add(delay)
		msg.NextAttemptAt = &at

		m.logger.InfoContext(ctx, "Falling back to next channel",
			"message_id", msg.ID, "from", string(from), "to", string(nextChannel),
			"next_attempt_at", at, "delay", delay)
	}

	if err := m.messages.FinishAttempt(ctx, msg, attempt); err != nil {
		return fmt.Errorf("failed to persist failed attempt for message %s: %w", msg.ID, err)
	}

	if msg.State == domain.StateExhausted {
		exhaustedCounter.WithLabelValues(string(msg.Category)).Inc()
		m.logger.ErrorContext(ctx, "Message exhausted all ranked channels",
			"message_id", msg.ID, "category", string(msg.Category), "attempts", msg.AttemptCount)
		m.observer.MessageExhausted(ctx, msg)
	}
	return nil
}

func providerCode(err error) string {
	var transient *domain.TransientDeliveryError
	if errors.As(err, &transient) && transient.ProviderCode != "" {
		return transient.ProviderCode
	}
	return "SEND_ERROR"
}
