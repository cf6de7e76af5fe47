package offline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/classping/notify/internal/core/domain"
)

// Submitter pushes one spooled request through the standard send path,
// consent and guard gates included. Implemented by the notifier service.
type Submitter interface {
	SubmitSpooled(ctx context.Context, item *domain.OfflineItem) error
}

// ReplayerConfig tunes the replay loop.
type ReplayerConfig struct {
	Interval          time.Duration
	BatchSize         int
	MaxReplayAttempts int
}

// Replayer drains the spool on a timer. An item leaves the spool when the
// upstream gives a definitive answer (accepted, policy-denied, or duplicate);
// infrastructure failures keep it for the next cycle until the replay budget
// runs out.
type Replayer struct {
	spool     *Spool
	submitter Submitter
	cfg       ReplayerConfig
	logger    *slog.Logger
}

func NewReplayer(spool *Spool, submitter Submitter, cfg ReplayerConfig, logger *slog.Logger) *Replayer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxReplayAttempts <= 0 {
		cfg.MaxReplayAttempts = 5
	}
	return &Replayer{
		spool:     spool,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With("service", "offline_replayer"),
	}
}

// Run replays on the configured interval until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Offline replayer started",
		"replay_interval", r.cfg.Interval, "batch_size", r.cfg.BatchSize, "max_replay_attempts", r.cfg.MaxReplayAttempts)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Offline replayer stopping")
			return nil
		case <-ticker.C:
			if _, err := r.ReplayOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "Replay cycle failed", "error", err)
			}
		}
	}
}

// ReplayOnce processes one batch in priority order and returns how many items
// left the spool (submitted, rejected, or dropped).
func (r *Replayer) ReplayOnce(ctx context.Context) (int, error) {
	batch, err := r.spool.NextBatch(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, item := range batch {
		done, err := r.replayItem(ctx, item)
		if err != nil {
			return resolved, err
		}
		if done {
			resolved++
		}
	}

	if depth, err := r.spool.Count(ctx); err == nil {
		spoolDepthGauge.Set(float64(depth))
	}
	return resolved, nil
}

// replayItem returns true when the item left the spool. Only spool I/O
// errors propagate; submission failures are handled in place.
func (r *Replayer) replayItem(ctx context.Context, item *domain.OfflineItem) (bool, error) {
	err := r.submitter.SubmitSpooled(ctx, item)
	switch {
	case err == nil:
		if err := r.spool.MarkReplayed(ctx, item.ID); err != nil {
			return false, err
		}
		replayedCounter.WithLabelValues("submitted").Inc()
		r.logger.InfoContext(ctx, "Spooled send replayed",
			"spool_id", item.ID, "idempotency_key", item.IdempotencyKey)
		return true, nil

	case domain.IsPolicyDenied(err), errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		// A definitive upstream answer: retrying cannot change it.
		if err := r.spool.MarkReplayed(ctx, item.ID); err != nil {
			return false, err
		}
		replayedCounter.WithLabelValues("rejected").Inc()
		r.logger.WarnContext(ctx, "Spooled send rejected on replay",
			"spool_id", item.ID, "idempotency_key", item.IdempotencyKey, "reason", err.Error())
		return true, nil

	default:
		attempts, markErr := r.spool.MarkFailed(ctx, item.ID, err.Error())
		if markErr != nil {
			return false, markErr
		}
		if attempts >= r.cfg.MaxReplayAttempts {
			item.ReplayAttempts = attempts
			if err := r.spool.Drop(ctx, item); err != nil {
				return false, err
			}
			return true, nil
		}
		replayedCounter.WithLabelValues("retained").Inc()
		r.logger.WarnContext(ctx, "Spooled send failed, retained for next cycle",
			"spool_id", item.ID, "replay_attempts", attempts,
			"max_replay_attempts", r.cfg.MaxReplayAttempts, "error", err)
		return false, nil
	}
}
