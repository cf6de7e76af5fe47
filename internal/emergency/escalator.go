package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/repository"
)

// Escalator periodically sweeps active emergencies and fires ladder levels
// whose cumulative trigger time has elapsed. Escalation is driven by elapsed
// time since initiation, so a restarted process catches up on its first
// sweep.
type Escalator struct {
	emergencies repository.EmergencyRepository
	engine      *Engine
	interval    time.Duration
	logger      *slog.Logger
	clock       func() time.Time
}

func NewEscalator(emergencies repository.EmergencyRepository, engine *Engine, interval time.Duration, logger *slog.Logger) *Escalator {
	return &Escalator{
		emergencies: emergencies,
		engine:      engine,
		interval:    interval,
		logger:      logger.With("service", "escalator"),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Escalator) WithClock(clock func() time.Time) *Escalator {
	s.clock = clock
	return s
}

// Run sweeps on the configured interval until ctx is cancelled. A failed
// sweep is logged and retried on the next tick.
func (s *Escalator) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Escalator started", "check_interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Escalator stopping")
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Escalation sweep failed", "error", err)
			}
		}
	}
}

// Sweep checks every active emergency and escalates each as many levels as
// its elapsed time warrants. Per-incident failures are absorbed so one bad
// incident cannot stall the sweep.
func (s *Escalator) Sweep(ctx context.Context) error {
	active, err := s.emergencies.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active emergencies: %w", err)
	}
	activeEmergenciesGauge.Set(float64(len(active)))

	now := s.clock().UTC()
	actor := domain.Actor{Role: domain.RoleSystem, Name: "escalator"}
	for _, incident := range active {
		elapsed := now.Sub(incident.InitiatedAt)
		// One escalation per due level; a long outage fires the missed
		// levels back to back on the first sweep.
		for level := incident.EscalationLevel + 1; level <= ladderMax(s.engine.Ladder()); level++ {
			trigger := domain.CumulativeTrigger(s.engine.Ladder(), level)
			if trigger == 0 || elapsed < trigger {
				break
			}
			updated, err := s.engine.escalate(ctx, actor, incident.ID, "automatic")
			if err != nil {
				s.logger.ErrorContext(ctx, "Automatic escalation failed",
					"error", err, "emergency_id", incident.ID, "level", level)
				break
			}
			incident = updated
		}
	}
	return nil
}

func ladderMax(ladder []domain.EscalationStep) int {
	max := 0
	for _, step := range ladder {
		if step.Level > max {
			max = step.Level
		}
	}
	return max
}
