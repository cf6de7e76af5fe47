// Package audit is the append-only trail of administrative and policy
// actions. Events travel through the broker so recording never sits on the
// operation's critical path: Record is void, and every failure mode is
// logged and swallowed.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/platform/messagebroker"
)

// SubjectAudit carries audit events from any component to the log consumer.
const SubjectAudit = "notify.audit"

// Recorder publishes audit events best-effort. A nil broker client turns the
// recorder into a log-only sink, which keeps single-process and test setups
// working without NATS.
type Recorder struct {
	natsClient *messagebroker.NATSClient
	logger     *slog.Logger
	clock      func() time.Time
}

func NewRecorder(natsClient *messagebroker.NATSClient, logger *slog.Logger) *Recorder {
	return &Recorder{
		natsClient: natsClient,
		logger:     logger.With("service", "audit"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record emits one audit event. Void on purpose: the action being audited
// has already happened, so nothing here may fail it.
func (r *Recorder) Record(ctx context.Context, kind domain.AuditKind, actorID uuid.UUID, entityKind, entityID string, detail any) {
	event := &domain.AuditEvent{
		ID:         uuid.New(),
		Kind:       kind,
		ActorID:    actorID,
		EntityKind: entityKind,
		EntityID:   entityID,
		CreatedAt:  r.clock().UTC(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			r.logger.WarnContext(ctx, "Audit detail not serializable, recording without it",
				"error", err, "kind", string(kind), "entity_id", entityID)
		} else {
			event.Detail = raw
		}
	}

	if r.natsClient == nil {
		r.logger.InfoContext(ctx, "Audit event (broker disabled)",
			"kind", string(kind), "actor_id", actorID, "entity_kind", entityKind, "entity_id", entityID)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		eventsDroppedCounter.Inc()
		r.logger.WarnContext(ctx, "Audit event not recorded",
			"error", &domain.AuditError{Err: err}, "kind", string(kind))
		return
	}
	if err := r.natsClient.Publish(ctx, SubjectAudit, data); err != nil {
		eventsDroppedCounter.Inc()
		r.logger.WarnContext(ctx, "Audit event not recorded",
			"error", &domain.AuditError{Err: err}, "kind", string(kind), "entity_id", entityID)
		return
	}
	eventsPublishedCounter.WithLabelValues(string(kind)).Inc()
}
