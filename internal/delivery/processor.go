package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/repository"
)

// ProcessorConfig tunes the polling loop.
type ProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	WorkerCount  int
}

// Processor drains the queue: it claims due messages in batches and fans
// them out to the machine with bounded concurrency. One claimed message is
// dispatched by exactly one worker.
type Processor struct {
	messages repository.MessageRepository
	machine  *Machine
	cfg      ProcessorConfig
	logger   *slog.Logger
	clock    func() time.Time
}

func NewProcessor(messages repository.MessageRepository, machine *Machine, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	return &Processor{
		messages: messages,
		machine:  machine,
		cfg:      cfg,
		logger:   logger.With("service", "delivery_processor"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// Run polls on the configured interval until ctx is cancelled. A failed
// cycle is logged and retried on the next tick; only cancellation stops the
// loop.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Delivery processor started",
		"poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize, "workers", p.cfg.WorkerCount)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Delivery processor stopping")
			return nil
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				p.logger.ErrorContext(ctx, "Delivery poll cycle failed", "error", err)
			}
		}
	}
}

// PollOnce claims one batch of due messages and dispatches them. Returns the
// number of messages claimed. Dispatch failures are absorbed per message so
// one broken message cannot stall the rest of the batch.
func (p *Processor) PollOnce(ctx context.Context) (int, error) {
	claimed, err := p.messages.ClaimDue(ctx, p.clock().UTC(), p.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, domain.ErrNoDueMessages) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to claim due messages: %w", err)
	}

	messagesClaimedCounter.Add(float64(len(claimed)))
	p.logger.InfoContext(ctx, "Claimed due messages", "count", len(claimed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.WorkerCount)
	for _, msg := range claimed {
		msg := msg
		g.Go(func() error {
			if err := p.machine.Dispatch(gctx, msg); err != nil {
				p.logger.ErrorContext(gctx, "Dispatch failed",
					"error", err, "message_id", msg.ID, "channel", string(msg.Channel))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}
