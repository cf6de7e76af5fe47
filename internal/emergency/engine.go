// Package emergency runs the broadcast and escalation engine for incident
// notifications. Broadcasts bypass consent and rate policy entirely: every
// emergency-eligible guardian gets one message per possessed channel, and an
// escalation ladder widens the fan-out until guardians acknowledge.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/repository"
)

// counterRetries bounds the version-conflict retry loop on counter updates.
// Counters are contended by the broadcast fan-out, receipt confirmations and
// acknowledgments all at once.
const counterRetries = 5

// AuditRecorder is the sink for best-effort audit events. Implemented by
// audit.Recorder; a nil recorder is replaced with a no-op.
type AuditRecorder interface {
	Record(ctx context.Context, kind domain.AuditKind, actorID uuid.UUID, entityKind, entityID string, detail any)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, domain.AuditKind, uuid.UUID, string, string, any) {}

// Config parameterizes the engine. Zero values fall back to the built-in
// ladder, the emergency channel rank, and a fan-out concurrency of 8.
type Config struct {
	Ladder            []domain.EscalationStep
	ChannelRank       []domain.Channel
	FanoutConcurrency int
}

// Engine owns the emergency lifecycle: initiate, broadcast, escalate,
// acknowledge, resolve, cancel. It also implements delivery.Observer so
// emergency counters track the fate of fanned-out messages.
type Engine struct {
	emergencies repository.EmergencyRepository
	messages    repository.MessageRepository
	directory   repository.DirectoryRepository
	audit       AuditRecorder
	cfg         Config
	logger      *slog.Logger
	clock       func() time.Time
}

func NewEngine(
	emergencies repository.EmergencyRepository,
	messages repository.MessageRepository,
	directory repository.DirectoryRepository,
	auditRec AuditRecorder,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if auditRec == nil {
		auditRec = noopAudit{}
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = domain.DefaultEscalationLadder()
	}
	if len(cfg.ChannelRank) == 0 {
		cfg.ChannelRank = domain.DefaultCategoryPolicies()[domain.CategoryEmergency].ChannelRank
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = 8
	}
	return &Engine{
		emergencies: emergencies,
		messages:    messages,
		directory:   directory,
		audit:       auditRec,
		cfg:         cfg,
		logger:      logger.With("service", "emergency"),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Ladder exposes the configured escalation ladder.
func (e *Engine) Ladder() []domain.EscalationStep { return e.cfg.Ladder }

// Initiate records a new incident without sending anything. Broadcasting is a
// separate, deliberate step so the initiator can review scope first.
func (e *Engine) Initiate(ctx context.Context, actor domain.Actor, typ domain.EmergencyType, severity domain.EmergencySeverity, title, body string, studentIDs []uuid.UUID) (*domain.Emergency, error) {
	switch typ {
	case domain.EmergencyInfrastructure, domain.EmergencySafety, domain.EmergencyClosure, domain.EmergencyWeather, domain.EmergencyMedical:
	default:
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest, "unknown emergency type %q", typ)
	}
	switch severity {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest, "unknown severity %q", severity)
	}
	if title == "" || body == "" {
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest, "emergency title and body are required")
	}

	now := e.clock().UTC()
	incident := domain.NewEmergency(uuid.New(), typ, severity, title, body, studentIDs, actor.ID)
	incident.InitiatedAt = now
	incident.UpdatedAt = now
	if err := e.emergencies.Create(ctx, incident); err != nil {
		return nil, fmt.Errorf("creating emergency: %w", err)
	}

	e.audit.Record(ctx, domain.AuditEmergencyInitiated, actor.ID, "emergency", incident.ID.String(), map[string]any{
		"type":     typ,
		"severity": severity,
		"scope":    scopeLabel(studentIDs),
	})
	e.logger.InfoContext(ctx, "Emergency initiated",
		"emergency_id", incident.ID, "type", typ, "severity", severity, "scope", scopeLabel(studentIDs))
	return incident, nil
}

// Broadcast fans the incident out to every emergency-eligible guardian: one
// single-channel message per (guardian, possessed channel), all at emergency
// priority. Recipient totals are snapshotted here and never recomputed.
func (e *Engine) Broadcast(ctx context.Context, actor domain.Actor, emergencyID uuid.UUID) (*domain.Emergency, error) {
	incident, err := e.emergencies.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, err
	}
	next, err := domain.NextEmergencyState(incident.State, domain.EmergencyEventBroadcast)
	if err != nil {
		return nil, err
	}

	links, err := e.directory.ListEmergencyEligible(ctx, incident.StudentIDs)
	if err != nil {
		return nil, fmt.Errorf("listing eligible guardians: %w", err)
	}

	created, unreachable := e.fanOut(ctx, incident, links, nil, 0, false)

	now := e.clock().UTC()
	incident.State = next
	incident.BroadcastAt = &now
	incident.RecipientsTotal = len(links)
	incident.PendingAcks = len(links)
	if err := e.emergencies.Update(ctx, incident); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, &domain.ConcurrencyConflictError{Entity: "emergency", ID: emergencyID.String()}
		}
		return nil, fmt.Errorf("updating emergency after broadcast: %w", err)
	}

	broadcastsCounter.WithLabelValues(string(incident.Type)).Inc()
	e.audit.Record(ctx, domain.AuditEmergencyBroadcast, actor.ID, "emergency", emergencyID.String(), map[string]any{
		"recipients":  len(links),
		"messages":    created,
		"unreachable": unreachable,
	})
	e.logger.InfoContext(ctx, "Emergency broadcast",
		"emergency_id", emergencyID, "recipients", len(links), "messages_created", created, "unreachable_guardians", unreachable)
	return incident, nil
}

// fanOut creates one queued message per (link, channel) for the given wave.
// With wave 0 and no step it targets every possessed channel; with a step it
// targets the step's added channels, or all possessed ones on a forced
// resend. Returns messages created and guardians with no reachable channel.
func (e *Engine) fanOut(ctx context.Context, incident *domain.Emergency, links []domain.GuardianLink, addChannels []domain.Channel, wave int, forceResend bool) (int, int) {
	var created, unreachable atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FanoutConcurrency)
	for _, link := range links {
		link := link
		g.Go(func() error {
			var channels []domain.Channel
			switch {
			case wave == 0 || forceResend:
				channels = link.PossessedChannels(e.cfg.ChannelRank)
			default:
				channels = link.PossessedChannels(addChannels)
			}
			if len(channels) == 0 {
				unreachable.Add(1)
				e.logger.WarnContext(gctx, "Guardian unreachable for emergency",
					"emergency_id", incident.ID, "guardian_id", link.GuardianID, "wave", wave)
				return nil
			}
			for _, ch := range channels {
				key := fanoutKey(incident.ID, link.GuardianID, ch, wave)
				if _, err := e.createEmergencyMessage(gctx, incident, link, ch, key); err != nil {
					if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
						continue // wave already produced this message
					}
					e.logger.ErrorContext(gctx, "Failed to create emergency message",
						"error", err, "emergency_id", incident.ID, "guardian_id", link.GuardianID, "channel", ch)
					continue
				}
				created.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() // workers report nothing fatal; per-guardian failures are logged

	fanoutMessagesCounter.Add(float64(created.Load()))
	return int(created.Load()), int(unreachable.Load())
}

func (e *Engine) createEmergencyMessage(ctx context.Context, incident *domain.Emergency, link domain.GuardianLink, ch domain.Channel, key string) (*domain.Message, error) {
	msg := domain.NewMessage(
		uuid.New(),
		domain.CategoryEmergency,
		domain.PriorityEmergency,
		link.StudentID,
		link.GuardianID,
		incident.InitiatorID,
		incident.Title,
		incident.Body,
		[]domain.Channel{ch}, // single-channel rank: fallback is the engine's job, per wave
		key,
	)
	msg.EmergencyID = &incident.ID
	state, err := domain.NextMessageState(msg.State, domain.EventEnqueue)
	if err != nil {
		return nil, err
	}
	msg.State = state
	now := e.clock().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if err := e.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// fanoutKey makes broadcast and escalation waves idempotent: replaying a wave
// collides on the key instead of duplicating messages.
func fanoutKey(emergencyID, guardianID uuid.UUID, ch domain.Channel, wave int) string {
	return fmt.Sprintf("emg:%s:g:%s:%s:w%d", emergencyID, guardianID, ch, wave)
}

// Escalate advances the incident one ladder level and fans out the level's
// wave to guardians who have not acknowledged. Manual calls arrive through
// here; the periodic escalator uses the same path with a system actor.
func (e *Engine) Escalate(ctx context.Context, actor domain.Actor, emergencyID uuid.UUID) (*domain.Emergency, error) {
	return e.escalate(ctx, actor, emergencyID, "manual")
}

func (e *Engine) escalate(ctx context.Context, actor domain.Actor, emergencyID uuid.UUID, trigger string) (*domain.Emergency, error) {
	incident, err := e.emergencies.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, err
	}
	next, err := domain.NextEmergencyState(incident.State, domain.EmergencyEventEscalate)
	if err != nil {
		return nil, err
	}

	level := incident.EscalationLevel + 1
	step, ok := stepAt(e.cfg.Ladder, level)
	if !ok {
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest,
			"escalation ladder exhausted at level %d", incident.EscalationLevel)
	}

	pending, err := e.pendingLinks(ctx, incident)
	if err != nil {
		return nil, err
	}

	created, _ := e.fanOut(ctx, incident, pending, step.AddChannels, step.Level, step.ForceResend)

	incident.State = next
	incident.EscalationLevel = step.Level
	if err := e.emergencies.Update(ctx, incident); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, &domain.ConcurrencyConflictError{Entity: "emergency", ID: emergencyID.String()}
		}
		return nil, fmt.Errorf("updating emergency after escalation: %w", err)
	}

	escalationsCounter.WithLabelValues(trigger).Inc()
	e.audit.Record(ctx, domain.AuditEmergencyEscalated, actor.ID, "emergency", emergencyID.String(), map[string]any{
		"level":       step.Level,
		"trigger":     trigger,
		"description": step.Description,
		"messages":    created,
		"pending":     len(pending),
	})
	e.logger.InfoContext(ctx, "Emergency escalated",
		"emergency_id", emergencyID, "level", step.Level, "trigger", trigger,
		"pending_guardians", len(pending), "messages_created", created)
	return incident, nil
}

// pendingLinks returns the eligible links whose guardians have not
// acknowledged yet.
func (e *Engine) pendingLinks(ctx context.Context, incident *domain.Emergency) ([]domain.GuardianLink, error) {
	links, err := e.directory.ListEmergencyEligible(ctx, incident.StudentIDs)
	if err != nil {
		return nil, fmt.Errorf("listing eligible guardians: %w", err)
	}
	ackedIDs, err := e.emergencies.ListAckedGuardians(ctx, incident.ID)
	if err != nil {
		return nil, fmt.Errorf("listing acknowledged guardians: %w", err)
	}
	acked := make(map[uuid.UUID]bool, len(ackedIDs))
	for _, id := range ackedIDs {
		acked[id] = true
	}
	pending := links[:0:0]
	for _, link := range links {
		if !acked[link.GuardianID] {
			pending = append(pending, link)
		}
	}
	return pending, nil
}

func stepAt(ladder []domain.EscalationStep, level int) (domain.EscalationStep, bool) {
	for _, step := range ladder {
		if step.Level == level {
			return step, true
		}
	}
	return domain.EscalationStep{}, false
}

// RecordAcknowledgment stores one guardian's confirmation and moves the
// acked/pending counters. Repeated acknowledgments from the same guardian are
// idempotent. Late acknowledgments on resolved incidents are still recorded;
// parents confirming after the all-clear is information worth keeping.
func (e *Engine) RecordAcknowledgment(ctx context.Context, emergencyID, guardianID uuid.UUID, ch domain.Channel, method domain.AckMethod) error {
	if _, err := e.emergencies.GetByID(ctx, emergencyID); err != nil {
		return err
	}
	ack := &domain.Acknowledgment{
		ID:          uuid.New(),
		EmergencyID: emergencyID,
		GuardianID:  guardianID,
		Channel:     ch,
		Method:      method,
		ReceivedAt:  e.clock().UTC(),
	}
	created, err := e.emergencies.RecordAck(ctx, ack)
	if err != nil {
		return fmt.Errorf("recording acknowledgment: %w", err)
	}
	if !created {
		e.logger.DebugContext(ctx, "Duplicate acknowledgment ignored",
			"emergency_id", emergencyID, "guardian_id", guardianID)
		return nil
	}

	if err := e.updateCounters(ctx, emergencyID, func(inc *domain.Emergency) {
		inc.AckedCount++
		if pending := inc.RecipientsTotal - inc.AckedCount; pending > 0 {
			inc.PendingAcks = pending
		} else {
			inc.PendingAcks = 0
		}
	}); err != nil {
		return err
	}

	acksCounter.WithLabelValues(string(method)).Inc()
	e.logger.InfoContext(ctx, "Emergency acknowledged",
		"emergency_id", emergencyID, "guardian_id", guardianID, "channel", ch, "method", method)
	return nil
}

// Resolve closes the incident with the all-clear. Only the initiator or an
// admin may resolve. Still-queued emergency messages are drained, not sent.
func (e *Engine) Resolve(ctx context.Context, actor domain.Actor, emergencyID uuid.UUID) (*domain.Emergency, error) {
	incident, err := e.emergencies.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, err
	}
	if actor.ID != incident.InitiatorID && !actor.Admin() {
		return nil, domain.ErrNotAuthorized
	}
	return e.terminate(ctx, actor, incident, domain.EmergencyEventResolve, domain.AuditEmergencyResolved, "resolved")
}

// Cancel aborts the incident, for false alarms. Admin only; the initiator
// alone cannot cancel what another staff member may already be acting on.
func (e *Engine) Cancel(ctx context.Context, actor domain.Actor, emergencyID uuid.UUID) (*domain.Emergency, error) {
	if !actor.Admin() {
		return nil, domain.ErrNotAuthorized
	}
	incident, err := e.emergencies.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, err
	}
	return e.terminate(ctx, actor, incident, domain.EmergencyEventCancel, domain.AuditEmergencyCancelled, "cancelled")
}

func (e *Engine) terminate(ctx context.Context, actor domain.Actor, incident *domain.Emergency, event domain.EmergencyEvent, kind domain.AuditKind, outcome string) (*domain.Emergency, error) {
	next, err := domain.NextEmergencyState(incident.State, event)
	if err != nil {
		return nil, err
	}

	drained, err := e.messages.CancelQueuedByEmergency(ctx, incident.ID)
	if err != nil {
		return nil, fmt.Errorf("draining queued emergency messages: %w", err)
	}

	now := e.clock().UTC()
	incident.State = next
	incident.ResolvedAt = &now
	if err := e.emergencies.Update(ctx, incident); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, &domain.ConcurrencyConflictError{Entity: "emergency", ID: incident.ID.String()}
		}
		return nil, fmt.Errorf("closing emergency: %w", err)
	}

	resolutionsCounter.WithLabelValues(outcome).Inc()
	drainedMessagesCounter.Add(float64(drained))
	e.audit.Record(ctx, kind, actor.ID, "emergency", incident.ID.String(), map[string]any{
		"outcome":          outcome,
		"drained_messages": drained,
		"acked":            incident.AckedCount,
		"pending_acks":     incident.PendingAcks,
	})
	e.logger.InfoContext(ctx, "Emergency closed",
		"emergency_id", incident.ID, "outcome", outcome, "drained_messages", drained,
		"acked", incident.AckedCount, "pending_acks", incident.PendingAcks)
	return incident, nil
}

// ForceResend creates a fresh delivery for one guardian, preferring a channel
// not yet tried for them. Admin judgement call during an active incident; the
// new message never reuses earlier attempt records.
func (e *Engine) ForceResend(ctx context.Context, actor domain.Actor, emergencyID, guardianID uuid.UUID, ch domain.Channel) (*domain.Message, error) {
	incident, err := e.emergencies.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, err
	}
	if incident.State.Terminal() || incident.State == domain.EmergencyInitiated {
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest,
			"emergency is %s, nothing to resend", incident.State)
	}

	links, err := e.directory.ListEmergencyEligible(ctx, incident.StudentIDs)
	if err != nil {
		return nil, fmt.Errorf("listing eligible guardians: %w", err)
	}
	var link *domain.GuardianLink
	for i := range links {
		if links[i].GuardianID == guardianID {
			link = &links[i]
			break
		}
	}
	if link == nil {
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest,
			"guardian %s is not an eligible recipient of this emergency", guardianID)
	}

	if ch == "" {
		ch, err = e.pickResendChannel(ctx, incident.ID, *link)
		if err != nil {
			return nil, err
		}
	} else if link.Addresses.AddressFor(ch) == "" {
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest,
			"guardian has no %s address", ch)
	}

	// Resends are deliberate one-off actions; each gets its own key.
	key := fmt.Sprintf("emg:%s:g:%s:%s:resend:%s", incident.ID, guardianID, ch, uuid.New())
	msg, err := e.createEmergencyMessage(ctx, incident, *link, ch, key)
	if err != nil {
		return nil, fmt.Errorf("creating resend message: %w", err)
	}

	fanoutMessagesCounter.Inc()
	e.audit.Record(ctx, domain.AuditForcedResend, actor.ID, "message", msg.ID.String(), map[string]any{
		"emergency_id": emergencyID,
		"guardian_id":  guardianID,
		"channel":      ch,
	})
	e.logger.InfoContext(ctx, "Forced resend",
		"emergency_id", emergencyID, "guardian_id", guardianID, "channel", ch, "message_id", msg.ID)
	return msg, nil
}

// pickResendChannel returns the highest-ranked possessed channel not yet used
// for this guardian in this emergency, or the top possessed channel when all
// have been tried.
func (e *Engine) pickResendChannel(ctx context.Context, emergencyID uuid.UUID, link domain.GuardianLink) (domain.Channel, error) {
	possessed := link.PossessedChannels(e.cfg.ChannelRank)
	if len(possessed) == 0 {
		return "", domain.NewPolicyDenied(domain.DenialInvalidRequest, "guardian has no reachable channel")
	}
	existing, err := e.messages.ListByEmergency(ctx, emergencyID)
	if err != nil {
		return "", fmt.Errorf("listing emergency messages: %w", err)
	}
	used := make(map[domain.Channel]bool)
	for _, m := range existing {
		if m.GuardianID == link.GuardianID {
			used[m.Channel] = true
		}
	}
	for _, ch := range possessed {
		if !used[ch] {
			return ch, nil
		}
	}
	return possessed[0], nil
}

// Get returns one emergency with its acknowledgments.
func (e *Engine) Get(ctx context.Context, emergencyID uuid.UUID) (*domain.Emergency, []*domain.Acknowledgment, error) {
	incident, err := e.emergencies.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, nil, err
	}
	acks, err := e.emergencies.ListAcks(ctx, emergencyID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing acknowledgments: %w", err)
	}
	return incident, acks, nil
}

// updateCounters applies mutate under optimistic concurrency, retrying a
// bounded number of times on version conflicts.
func (e *Engine) updateCounters(ctx context.Context, emergencyID uuid.UUID, mutate func(*domain.Emergency)) error {
	for try := 0; try < counterRetries; try++ {
		incident, err := e.emergencies.GetByID(ctx, emergencyID)
		if err != nil {
			return err
		}
		mutate(incident)
		err = e.emergencies.Update(ctx, incident)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return fmt.Errorf("updating emergency counters: %w", err)
	}
	return &domain.ConcurrencyConflictError{Entity: "emergency", ID: emergencyID.String()}
}

// MessageSent tracks provider-accepted fan-out messages. Part of the
// delivery.Observer contract.
func (e *Engine) MessageSent(ctx context.Context, msg *domain.Message) {
	e.bumpCounter(ctx, msg, func(inc *domain.Emergency) { inc.SentCount++ })
}

// MessageDelivered tracks confirmed deliveries. Messages confirmed inline by
// the channel count here only, never in SentCount.
func (e *Engine) MessageDelivered(ctx context.Context, msg *domain.Message) {
	e.bumpCounter(ctx, msg, func(inc *domain.Emergency) { inc.DeliveredCount++ })
}

// MessageExhausted flags fan-out messages that ran out of channels. The
// escalation ladder is the recovery path, so this only logs loudly.
func (e *Engine) MessageExhausted(ctx context.Context, msg *domain.Message) {
	if msg.EmergencyID == nil {
		return
	}
	e.logger.ErrorContext(ctx, "Emergency message exhausted all channels",
		"emergency_id", *msg.EmergencyID, "message_id", msg.ID, "guardian_id", msg.GuardianID, "channel", msg.Channel)
}

func (e *Engine) bumpCounter(ctx context.Context, msg *domain.Message, mutate func(*domain.Emergency)) {
	if msg.EmergencyID == nil {
		return
	}
	if err := e.updateCounters(ctx, *msg.EmergencyID, mutate); err != nil {
		e.logger.WarnContext(ctx, "Failed to update emergency counters",
			"error", err, "emergency_id", *msg.EmergencyID, "message_id", msg.ID)
	}
}

func scopeLabel(studentIDs []uuid.UUID) string {
	if len(studentIDs) == 0 {
		return "whole_school"
	}
	return fmt.Sprintf("%d students", len(studentIDs))
}
