// Package guard is the pre-send rate-limit and abuse gate. Every outbound
// request passes Evaluate before a message may be created: rate checks are
// ANDed, abuse signals are OR-aggregated into a severity plus an auto-block
// flag, and denials are recorded so the rejection-rate signal can see them.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/repository"
)

// Config holds the caps and windows for one deployment.
type Config struct {
	SenderDailyCap     int
	SenderWeeklyCap    int
	MinInterval        time.Duration
	RecipientDailyCap  int
	PairCooldown       time.Duration
	BurstWindow        time.Duration
	BurstMax           int
	RejectionLookback  time.Duration
	RejectionRateBlock float64 // denied/(denied+sent) ratio that auto-blocks
	MaxBodyLength      int
}

// Request is one send the guard must rule on.
type Request struct {
	SenderID     uuid.UUID
	StudentID    uuid.UUID
	GuardianID   uuid.UUID
	Category     domain.MessageCategory
	Subject      string
	Body         string
	ManualAuthor bool
}

// Check is one independent rate-limit verdict.
type Check struct {
	Name    string
	Allowed bool
	Reason  string
}

// Evaluation is the combined gate outcome. Warnings carry non-blocking abuse
// findings that a sender should review; they never flip Allowed on their own.
type Evaluation struct {
	Allowed  bool
	Code     domain.DenialCode
	Reason   string
	Checks   []Check
	Abuse    AbuseReport
	Warnings []string
}

// Deny converts a denied evaluation into the matching policy error.
func (e *Evaluation) Deny() *domain.PolicyDeniedError {
	if e.Allowed {
		return nil
	}
	return &domain.PolicyDeniedError{Code: e.Code, Reason: e.Reason}
}

// Guard evaluates send requests against message history. Counters come from
// one RateSnapshot per evaluation so every check sees the same instant.
type Guard struct {
	messages repository.MessageRepository
	store    repository.GuardRepository
	limiter  LimiterStore // optional shared burst store; nil disables
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
}

func New(messages repository.MessageRepository, store repository.GuardRepository, limiter LimiterStore, cfg Config, logger *slog.Logger) *Guard {
	return &Guard{
		messages: messages,
		store:    store,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With("service", "guard"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// Evaluate runs every rate check and abuse signal for req. The returned error
// is infrastructure-only; policy outcomes live in the Evaluation.
func (g *Guard) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	now := g.clock().UTC()
	windows := domain.RateWindows{
		Now:      now,
		Day:      24 * time.Hour,
		Week:     7 * 24 * time.Hour,
		Burst:    g.cfg.BurstWindow,
		Lookback: g.cfg.RejectionLookback,
	}

	snap, err := g.messages.RateSnapshot(ctx, req.SenderID, req.StudentID, req.GuardianID, windows)
	if err != nil {
		return nil, fmt.Errorf("failed to compute rate snapshot: %w", err)
	}

	multiplier := 1.0
	grant, err := g.store.ActiveOverride(ctx, req.SenderID, now)
	switch {
	case err == nil:
		multiplier = grant.Multiplier
		g.logger.InfoContext(ctx, "Applying cap override", "sender_id", req.SenderID, "multiplier", multiplier, "expires_at", grant.ExpiresAt)
	case errors.Is(err, domain.ErrNotFound):
		// no override in force
	default:
		return nil, fmt.Errorf("failed to look up cap override: %w", err)
	}

	eval := &Evaluation{Allowed: true}
	eval.Checks = g.rateChecks(req, snap, now, multiplier)
	for _, c := range eval.Checks {
		if !c.Allowed && eval.Code == "" {
			eval.Allowed = false
			eval.Code = denialCodeFor(c.Name)
			eval.Reason = c.Reason
		}
	}

	abuse, err := g.assessAbuse(ctx, req, snap, now)
	if err != nil {
		return nil, err
	}
	eval.Abuse = *abuse
	for _, f := range abuse.Flags {
		if !f.Blocking {
			eval.Warnings = append(eval.Warnings, f.Detail)
		}
	}
	// Auto-block overrides whatever the rate checks decided.
	if abuse.AutoBlocked {
		eval.Allowed = false
		eval.Code = abuse.BlockCode()
		eval.Reason = abuse.BlockReason()
	}

	if !eval.Allowed {
		// Recorded so the 30-day rejection-rate signal can count it; a
		// failed write only loses one sample.
		if err := g.store.RecordDenial(ctx, req.SenderID, eval.Code, now); err != nil {
			g.logger.WarnContext(ctx, "Failed to record denial", "error", err, "sender_id", req.SenderID)
		}
		g.logger.InfoContext(ctx, "Send denied by guard",
			"sender_id", req.SenderID, "code", string(eval.Code), "reason", eval.Reason)
	}
	return eval, nil
}

// rateChecks runs the five ANDed limits against one snapshot. Caps scale by
// the override multiplier; intervals and cooldowns do not.
func (g *Guard) rateChecks(req Request, snap *domain.RateSnapshot, now time.Time, multiplier float64) []Check {
	scaled := func(cap int) int { return int(float64(cap) * multiplier) }

	checks := make([]Check, 0, 5)

	dailyCap := scaled(g.cfg.SenderDailyCap)
	checks = append(checks, check("sender_daily", snap.SenderDayCount < dailyCap,
		fmt.Sprintf("daily sending limit reached (%d of %d)", snap.SenderDayCount, dailyCap)))

	weeklyCap := scaled(g.cfg.SenderWeeklyCap)
	checks = append(checks, check("sender_weekly", snap.SenderWeekCount < weeklyCap,
		fmt.Sprintf("weekly sending limit reached (%d of %d)", snap.SenderWeekCount, weeklyCap)))

	intervalOK := snap.SenderLastSendAt == nil || now.Sub(*snap.SenderLastSendAt) >= g.cfg.MinInterval
	checks = append(checks, check("min_interval", intervalOK,
		fmt.Sprintf("please wait %s between messages", g.cfg.MinInterval)))

	checks = append(checks, check("recipient_daily", snap.RecipientDayCount < g.cfg.RecipientDailyCap,
		fmt.Sprintf("this student already received %d messages today (limit %d)", snap.RecipientDayCount, g.cfg.RecipientDailyCap)))

	cooldownOK := snap.PairLastAt == nil || now.Sub(*snap.PairLastAt) >= g.cfg.PairCooldown
	checks = append(checks, check("pair_cooldown", cooldownOK,
		fmt.Sprintf("cooldown of %s with this guardian is still active", g.cfg.PairCooldown)))

	return checks
}

func check(name string, ok bool, denyReason string) Check {
	c := Check{Name: name, Allowed: ok}
	if !ok {
		c.Reason = denyReason
	}
	return c
}

func denialCodeFor(checkName string) domain.DenialCode {
	switch checkName {
	case "min_interval", "pair_cooldown":
		return domain.DenialCooldown
	default:
		return domain.DenialRateLimited
	}
}
