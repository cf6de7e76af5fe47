// Package notifier is the outbound service boundary. Every send enters
// through RequestSend and passes template rendering, the consent resolver,
// and the rate/abuse guard before any message reaches the queue; recall,
// retry, and status reads live here too.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/consent"
	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/guard"
	"github.com/classping/notify/internal/offline"
	"github.com/classping/notify/internal/repository"
	"github.com/classping/notify/internal/template"
)

// AuditRecorder is the best-effort audit sink; nil disables auditing.
type AuditRecorder interface {
	Record(ctx context.Context, kind domain.AuditKind, actorID uuid.UUID, entityKind, entityID string, detail any)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, domain.AuditKind, uuid.UUID, string, string, any) {}

// Config parameterizes the service.
type Config struct {
	RecallWindow    time.Duration
	QuietHoursStart string // "HH:MM" school-local; equal start and end disables
	QuietHoursEnd   string
	Policies        map[domain.MessageCategory]domain.CategoryPolicy
}

// SendRequest is one caller intent: notify a student's guardians in one
// category. Either a catalog template plus variables, or pre-rendered
// subject and body.
type SendRequest struct {
	Category     domain.MessageCategory  `json:"category"`
	StudentID    uuid.UUID               `json:"student_id"`
	GuardianID   *uuid.UUID              `json:"guardian_id,omitempty"` // restrict to one linked guardian
	TemplateName string                  `json:"template_name,omitempty"`
	Variables    map[string]string       `json:"variables,omitempty"`
	Subject      string                  `json:"subject,omitempty"`
	Body         string                  `json:"body,omitempty"`
	Priority     domain.MessagePriority  `json:"priority,omitempty"`
	ManualAuthor bool                    `json:"manual_author,omitempty"`
	// IdempotencyKey makes replays safe: the same key never creates a second
	// message for the same guardian. Generated when absent.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
}

// MessageStatus is one message with its attempt history and the
// role-appropriate status wording.
type MessageStatus struct {
	Message  *domain.Message
	Attempts []*domain.DeliveryAttempt
	Label    string
}

// Service orchestrates the outbound pipeline.
type Service struct {
	messages  repository.MessageRepository
	prefs     repository.PreferenceRepository
	directory repository.DirectoryRepository
	renderer  *template.Renderer
	guard     *guard.Guard
	audit     AuditRecorder
	spool     *offline.Spool // optional; nil disables SubmitOrSpool fallback
	cfg       Config
	quiet     quietWindow
	logger    *slog.Logger
	clock     func() time.Time
}

func NewService(
	messages repository.MessageRepository,
	prefs repository.PreferenceRepository,
	directory repository.DirectoryRepository,
	renderer *template.Renderer,
	g *guard.Guard,
	auditRec AuditRecorder,
	spool *offline.Spool,
	cfg Config,
	logger *slog.Logger,
) (*Service, error) {
	if auditRec == nil {
		auditRec = noopAudit{}
	}
	if cfg.Policies == nil {
		cfg.Policies = domain.DefaultCategoryPolicies()
	}
	quiet, err := parseQuietWindow(cfg.QuietHoursStart, cfg.QuietHoursEnd)
	if err != nil {
		return nil, err
	}
	return &Service{
		messages:  messages,
		prefs:     prefs,
		directory: directory,
		renderer:  renderer,
		guard:     g,
		audit:     auditRec,
		spool:     spool,
		cfg:       cfg,
		quiet:     quiet,
		logger:    logger.With("service", "notifier"),
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// RequestSend gates one send through rendering, consent, and the guard, then
// enqueues one message per allowed, reachable guardian. Returns the message
// IDs, including those of earlier messages when the idempotency key replays.
func (s *Service) RequestSend(ctx context.Context, actor domain.Actor, req SendRequest) ([]uuid.UUID, error) {
	now := s.clock().UTC()

	if !req.Category.Valid() {
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest, "unknown category %q", req.Category)
	}
	priority, err := s.resolvePriority(req)
	if err != nil {
		return nil, err
	}
	subject, body, err := s.resolveContent(req)
	if err != nil {
		return nil, err
	}

	policy := s.cfg.Policies[req.Category]
	links, err := s.recipientLinks(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		sendRequestsCounter.WithLabelValues(string(req.Category), "denied").Inc()
		return nil, domain.NewPolicyDenied(domain.DenialNoRecipients, "no guardians linked to student")
	}

	res, err := s.resolveConsent(ctx, req, policy, links, now)
	if err != nil {
		return nil, err
	}
	if !res.Decision.Allowed {
		s.denySend(ctx, actor, req, res.Decision.Code, res.Decision.Reason)
		return nil, &domain.PolicyDeniedError{Code: res.Decision.Code, Reason: res.Decision.Reason}
	}

	baseKey := req.IdempotencyKey
	if baseKey == "" {
		baseKey = uuid.NewString()
	}

	linkFor := make(map[uuid.UUID]domain.GuardianLink, len(links))
	for _, l := range links {
		linkFor[l.GuardianID] = l
	}

	var (
		created     []uuid.UUID
		replayed    int
		firstDenial *domain.PolicyDeniedError
	)
	for _, guardianID := range res.Recipients {
		eval, err := s.guard.Evaluate(ctx, guard.Request{
			SenderID:     actor.ID,
			StudentID:    req.StudentID,
			GuardianID:   guardianID,
			Category:     req.Category,
			Subject:      subject,
			Body:         body,
			ManualAuthor: req.ManualAuthor,
		})
		if err != nil {
			return nil, err
		}
		if !eval.Allowed {
			if firstDenial == nil {
				firstDenial = eval.Deny()
			}
			continue
		}
		for _, w := range eval.Warnings {
			s.logger.WarnContext(ctx, "Send flagged for review", "sender_id", actor.ID, "warning", w)
		}

		link := linkFor[guardianID]
		rank := link.PossessedChannels(policy.ChannelRank)
		if len(rank) == 0 {
			s.logger.WarnContext(ctx, "Guardian has no reachable channel, skipping",
				"guardian_id", guardianID, "student_id", req.StudentID, "category", string(req.Category))
			continue
		}

		key := fmt.Sprintf("%s:%s", baseKey, guardianID)
		msg := domain.NewMessage(uuid.New(), req.Category, priority,
			req.StudentID, guardianID, actor.ID, subject, body, rank, key)
		msg.CreatedAt = now
		msg.UpdatedAt = now
		next, err := domain.NextMessageState(msg.State, domain.EventEnqueue)
		if err != nil {
			return nil, err
		}
		msg.State = next
		if req.Category != domain.CategoryEmergency && s.quiet.contains(now) {
			deferred := s.quiet.nextEnd(now).UTC()
			msg.NextAttemptAt = &deferred
			quietHoursDeferralsCounter.Inc()
		}

		if err := s.messages.Create(ctx, msg); err != nil {
			if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
				existing, lookupErr := s.messages.GetByIdempotencyKey(ctx, key)
				if lookupErr != nil {
					return nil, fmt.Errorf("resolving replayed idempotency key: %w", lookupErr)
				}
				created = append(created, existing.ID)
				replayed++
				continue
			}
			return nil, fmt.Errorf("creating message: %w", err)
		}
		created = append(created, msg.ID)
	}

	if len(created) == 0 {
		if firstDenial != nil {
			s.denySend(ctx, actor, req, firstDenial.Code, firstDenial.Reason)
			return nil, firstDenial
		}
		sendRequestsCounter.WithLabelValues(string(req.Category), "denied").Inc()
		return nil, domain.NewPolicyDenied(domain.DenialNoRecipients, "no reachable recipients for this send")
	}

	sendRequestsCounter.WithLabelValues(string(req.Category), "accepted").Inc()
	s.audit.Record(ctx, domain.AuditSendRequested, actor.ID, "message", baseKey, map[string]any{
		"category":    req.Category,
		"student_id":  req.StudentID,
		"messages":    len(created),
		"replayed":    replayed,
		"message_ids": created,
	})
	s.logger.InfoContext(ctx, "Send accepted",
		"sender_id", actor.ID, "category", string(req.Category), "student_id", req.StudentID,
		"messages_created", len(created)-replayed, "replayed", replayed)
	return created, nil
}

func (s *Service) resolvePriority(req SendRequest) (domain.MessagePriority, error) {
	if req.Category == domain.CategoryEmergency {
		return domain.PriorityEmergency, nil
	}
	switch req.Priority {
	case "":
		return domain.PriorityNormal, nil
	case domain.PriorityNormal, domain.PriorityHigh, domain.PriorityEmergency:
		return req.Priority, nil
	default:
		return "", domain.NewPolicyDenied(domain.DenialInvalidRequest, "unknown priority %q", req.Priority)
	}
}

// resolveContent renders the named template or passes pre-rendered text
// through. Template errors (unknown name, missing variables) surface as-is
// so callers see the deterministic missing-variable list.
func (s *Service) resolveContent(req SendRequest) (string, string, error) {
	if req.TemplateName != "" {
		rendered, err := s.renderer.Render(req.TemplateName, req.Variables)
		if err != nil {
			return "", "", err
		}
		return rendered.Subject, rendered.Body, nil
	}
	if req.Body == "" {
		return "", "", domain.NewPolicyDenied(domain.DenialInvalidRequest, "message body is required")
	}
	return req.Subject, req.Body, nil
}

func (s *Service) recipientLinks(ctx context.Context, req SendRequest) ([]domain.GuardianLink, error) {
	links, err := s.directory.ListLinksByStudent(ctx, req.StudentID)
	if err != nil {
		return nil, fmt.Errorf("listing guardian links: %w", err)
	}
	if req.GuardianID == nil {
		return links, nil
	}
	for _, l := range links {
		if l.GuardianID == *req.GuardianID {
			return []domain.GuardianLink{l}, nil
		}
	}
	return nil, domain.NewPolicyDenied(domain.DenialNoRecipients,
		"guardian %s is not linked to this student", *req.GuardianID)
}

func (s *Service) resolveConsent(ctx context.Context, req SendRequest, policy domain.CategoryPolicy, links []domain.GuardianLink, now time.Time) (consent.Result, error) {
	ids := make([]uuid.UUID, len(links))
	for i, l := range links {
		ids[i] = l.GuardianID
	}
	prefs, err := s.prefs.GetPreferences(ctx, ids)
	if err != nil {
		return consent.Result{}, fmt.Errorf("loading guardian preferences: %w", err)
	}
	// The directory link is authoritative for primacy.
	for i := range prefs {
		prefs[i].Primary = links[i].Primary
	}
	return consent.Resolve(consent.Input{
		Category:     req.Category,
		StudentID:    req.StudentID,
		Policy:       policy,
		Guardians:    prefs,
		ManualAuthor: req.ManualAuthor,
		Now:          now,
	}), nil
}

func (s *Service) denySend(ctx context.Context, actor domain.Actor, req SendRequest, code domain.DenialCode, reason string) {
	sendRequestsCounter.WithLabelValues(string(req.Category), "denied").Inc()
	s.audit.Record(ctx, domain.AuditSendDenied, actor.ID, "student", req.StudentID.String(), map[string]any{
		"category": req.Category,
		"code":     code,
		"reason":   reason,
	})
	s.logger.InfoContext(ctx, "Send denied",
		"sender_id", actor.ID, "category", string(req.Category), "code", string(code), "reason", reason)
}

// GetMessageStatus returns one message, its attempts, and the status label
// worded for the actor's role.
func (s *Service) GetMessageStatus(ctx context.Context, actor domain.Actor, messageID uuid.UUID) (*MessageStatus, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.messages.ListAttempts(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing delivery attempts: %w", err)
	}
	return &MessageStatus{
		Message:  msg,
		Attempts: attempts,
		Label:    StatusLabel(msg.State, actor.Role),
	}, nil
}

// RecallMessage cancels a message that has not been handed to a provider
// yet. Only the sender or an admin may recall. Losing the race against the
// queue processor returns ConcurrencyConflict, never a corrupted state.
func (s *Service) RecallMessage(ctx context.Context, actor domain.Actor, messageID uuid.UUID) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actor.ID && !actor.Admin() {
		return domain.ErrNotAuthorized
	}

	now := s.clock().UTC()
	if ok, reason := msg.CanRecall(now, s.cfg.RecallWindow); !ok {
		recallsCounter.WithLabelValues("denied").Inc()
		return &domain.PolicyDeniedError{Code: domain.DenialCannotRecall, Reason: reason}
	}
	next, err := domain.NextMessageState(msg.State, domain.EventCancel)
	if err != nil {
		recallsCounter.WithLabelValues("denied").Inc()
		return &domain.PolicyDeniedError{Code: domain.DenialCannotRecall, Reason: err.Error()}
	}

	msg.State = next
	msg.NextAttemptAt = nil
	if err := s.messages.Update(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			recallsCounter.WithLabelValues("conflict").Inc()
			return &domain.ConcurrencyConflictError{Entity: "message", ID: messageID.String()}
		}
		return fmt.Errorf("recalling message: %w", err)
	}

	recallsCounter.WithLabelValues("recalled").Inc()
	s.audit.Record(ctx, domain.AuditMessageRecalled, actor.ID, "message", messageID.String(), nil)
	s.logger.InfoContext(ctx, "Message recalled", "message_id", messageID, "actor_id", actor.ID)
	return nil
}

// RetryMessage requeues a message immediately, resetting its attempt
// counters and returning to the top-ranked channel. Admin only; this is the
// manual escape hatch for exhausted messages.
func (s *Service) RetryMessage(ctx context.Context, actor domain.Actor, messageID uuid.UUID, priority domain.MessagePriority) (*domain.Message, error) {
	if !actor.Admin() {
		return nil, domain.ErrNotAuthorized
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	next, err := domain.NextMessageState(msg.State, domain.EventManualRetry)
	if err != nil {
		return nil, err
	}

	msg.State = next
	msg.AttemptCount = 0
	msg.ErrorCode = nil
	msg.NextAttemptAt = nil // requeues regardless of backoff
	if len(msg.ChannelRank) > 0 {
		msg.Channel = msg.ChannelRank[0]
	}
	switch priority {
	case "":
	case domain.PriorityNormal, domain.PriorityHigh, domain.PriorityEmergency:
		msg.Priority = priority
	default:
		return nil, domain.NewPolicyDenied(domain.DenialInvalidRequest, "unknown priority %q", priority)
	}

	if err := s.messages.Update(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, &domain.ConcurrencyConflictError{Entity: "message", ID: messageID.String()}
		}
		return nil, fmt.Errorf("requeueing message: %w", err)
	}

	manualRetriesCounter.Inc()
	s.audit.Record(ctx, domain.AuditMessageRetried, actor.ID, "message", messageID.String(), map[string]any{
		"priority": msg.Priority,
	})
	s.logger.InfoContext(ctx, "Message requeued for retry",
		"message_id", messageID, "actor_id", actor.ID, "priority", string(msg.Priority))
	return msg, nil
}

// GrantOverride raises a sender's caps for a bounded time. Admin only.
func (s *Service) GrantOverride(ctx context.Context, actor domain.Actor, senderID uuid.UUID, multiplier float64, duration time.Duration, reason string) (*domain.OverrideGrant, error) {
	if !actor.Admin() {
		return nil, domain.ErrNotAuthorized
	}
	grant, err := s.guard.GrantOverride(ctx, senderID, multiplier, duration, actor.ID, reason)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, domain.AuditOverrideGranted, actor.ID, "sender", senderID.String(), map[string]any{
		"multiplier": multiplier,
		"expires_at": grant.ExpiresAt,
		"reason":     reason,
	})
	return grant, nil
}

// spoolEnvelope is the durable form of one deferred send.
type spoolEnvelope struct {
	Actor   domain.Actor `json:"actor"`
	Request SendRequest  `json:"request"`
}

// SubmitOrSpool tries the standard path and falls back to the offline spool
// on infrastructure failure. Policy denials and template errors are
// definitive answers and are never spooled. Returns spooled=true when the
// request was buffered for replay.
func (s *Service) SubmitOrSpool(ctx context.Context, actor domain.Actor, req SendRequest) (ids []uuid.UUID, spooled bool, err error) {
	if req.IdempotencyKey == "" {
		// Both paths must share one key so a replay after a successful send
		// dedupes instead of double-sending.
		req.IdempotencyKey = uuid.NewString()
	}

	ids, err = s.RequestSend(ctx, actor, req)
	if err == nil {
		return ids, false, nil
	}
	if isDefinitive(err) {
		return nil, false, err
	}
	if s.spool == nil {
		return nil, false, err
	}

	payload, marshalErr := json.Marshal(spoolEnvelope{Actor: actor, Request: req})
	if marshalErr != nil {
		return nil, false, fmt.Errorf("encoding send for the spool: %w", marshalErr)
	}
	item := &domain.OfflineItem{
		IdempotencyKey: req.IdempotencyKey,
		Priority:       priorityForSpool(req),
		DeviceID:       req.DeviceID,
		Payload:        payload,
	}
	if spoolErr := s.spool.Enqueue(ctx, item); spoolErr != nil {
		if errors.Is(spoolErr, domain.ErrDuplicateIdempotencyKey) {
			return nil, true, nil // already buffered
		}
		return nil, false, fmt.Errorf("send failed (%v) and could not be spooled: %w", err, spoolErr)
	}
	s.logger.WarnContext(ctx, "Send path unavailable, request spooled",
		"error", err, "idempotency_key", req.IdempotencyKey, "category", string(req.Category))
	return nil, true, nil
}

// SubmitSpooled replays one buffered request through the standard path. The
// offline.Submitter implementation.
func (s *Service) SubmitSpooled(ctx context.Context, item *domain.OfflineItem) error {
	var envelope spoolEnvelope
	if err := json.Unmarshal(item.Payload, &envelope); err != nil {
		// An unreadable payload can never replay; report it as definitive.
		return domain.NewPolicyDenied(domain.DenialInvalidRequest, "unreadable spooled payload: %v", err)
	}
	envelope.Request.IdempotencyKey = item.IdempotencyKey
	_, err := s.RequestSend(ctx, envelope.Actor, envelope.Request)
	return err
}

// isDefinitive reports whether err is a final upstream answer rather than an
// infrastructure failure worth retrying.
func isDefinitive(err error) bool {
	var missing *template.MissingVariablesError
	return domain.IsPolicyDenied(err) ||
		errors.Is(err, domain.ErrNotAuthorized) ||
		errors.Is(err, template.ErrUnknownTemplate) ||
		errors.As(err, &missing)
}

func priorityForSpool(req SendRequest) domain.MessagePriority {
	if req.Category == domain.CategoryEmergency {
		return domain.PriorityEmergency
	}
	if req.Priority != "" {
		return req.Priority
	}
	return domain.PriorityNormal
}
