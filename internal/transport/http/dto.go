package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/notifier"
	"github.com/classping/notify/internal/template"
)

// SendMessageRequest is the payload for POST /messages/send. Either a
// template name plus variables, or pre-rendered subject and body.
type SendMessageRequest struct {
	Category       string            `json:"category"`
	StudentID      uuid.UUID         `json:"student_id"`
	GuardianID     *uuid.UUID        `json:"guardian_id,omitempty"`
	TemplateName   string            `json:"template_name,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	ManualAuthor   bool              `json:"manual_author,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
}

func (r SendMessageRequest) toService() notifier.SendRequest {
	return notifier.SendRequest{
		Category:       domain.MessageCategory(r.Category),
		StudentID:      r.StudentID,
		GuardianID:     r.GuardianID,
		TemplateName:   r.TemplateName,
		Variables:      r.Variables,
		Subject:        r.Subject,
		Body:           r.Body,
		Priority:       domain.MessagePriority(r.Priority),
		ManualAuthor:   r.ManualAuthor,
		IdempotencyKey: r.IdempotencyKey,
		DeviceID:       r.DeviceID,
	}
}

// SendMessageResponse reports the messages created by one send. Spooled is
// true when the request was buffered for replay instead of sent now.
type SendMessageResponse struct {
	MessageIDs []uuid.UUID `json:"message_ids,omitempty"`
	Spooled    bool        `json:"spooled,omitempty"`
}

// AttemptResponse is one delivery attempt in a status view.
type AttemptResponse struct {
	Channel       string     `json:"channel"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Succeeded     bool       `json:"succeeded"`
	ErrorCode     *string    `json:"error_code,omitempty"`
	LatencyMillis int64      `json:"latency_millis"`
}

// MessageStatusResponse is the full status view for GET /messages/{messageID}.
// Status carries the role-appropriate wording; State the raw machine state.
type MessageStatusResponse struct {
	ID            uuid.UUID         `json:"id"`
	Category      string            `json:"category"`
	Priority      string            `json:"priority"`
	StudentID     uuid.UUID         `json:"student_id"`
	GuardianID    uuid.UUID         `json:"guardian_id"`
	SenderID      uuid.UUID         `json:"sender_id"`
	EmergencyID   *uuid.UUID        `json:"emergency_id,omitempty"`
	State         string            `json:"state"`
	Status        string            `json:"status"`
	Channel       string            `json:"channel"`
	ChannelRank   []string          `json:"channel_rank"`
	AttemptCount  int               `json:"attempt_count"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	ErrorCode     *string           `json:"error_code,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
	Attempts      []AttemptResponse `json:"attempts"`
}

func messageStatusResponse(status *notifier.MessageStatus) MessageStatusResponse {
	msg := status.Message
	rank := make([]string, len(msg.ChannelRank))
	for i, ch := range msg.ChannelRank {
		rank[i] = string(ch)
	}
	attempts := make([]AttemptResponse, len(status.Attempts))
	for i, a := range status.Attempts {
		attempts[i] = AttemptResponse{
			Channel:       string(a.Channel),
			AttemptNumber: a.AttemptNumber,
			StartedAt:     a.StartedAt,
			FinishedAt:    a.FinishedAt,
			Succeeded:     a.Succeeded,
			ErrorCode:     a.ErrorCode,
			LatencyMillis: a.LatencyMillis,
		}
	}
	return MessageStatusResponse{
		ID:            msg.ID,
		Category:      string(msg.Category),
		Priority:      string(msg.Priority),
		StudentID:     msg.StudentID,
		GuardianID:    msg.GuardianID,
		SenderID:      msg.SenderID,
		EmergencyID:   msg.EmergencyID,
		State:         string(msg.State),
		Status:        status.Label,
		Channel:       string(msg.Channel),
		ChannelRank:   rank,
		AttemptCount:  msg.AttemptCount,
		NextAttemptAt: msg.NextAttemptAt,
		ErrorCode:     msg.ErrorCode,
		CreatedAt:     msg.CreatedAt,
		UpdatedAt:     msg.UpdatedAt,
		SentAt:        msg.SentAt,
		DeliveredAt:   msg.DeliveredAt,
		Attempts:      attempts,
	}
}

// RetryMessageRequest optionally bumps the priority on a manual retry.
type RetryMessageRequest struct {
	Priority string `json:"priority,omitempty"`
}

// GrantOverrideRequest is the payload for POST /overrides.
type GrantOverrideRequest struct {
	SenderID        uuid.UUID `json:"sender_id"`
	Multiplier      float64   `json:"multiplier"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason"`
}

// GrantOverrideResponse reports the stored grant.
type GrantOverrideResponse struct {
	ID         uuid.UUID `json:"id"`
	SenderID   uuid.UUID `json:"sender_id"`
	Multiplier float64   `json:"multiplier"`
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// InitiateEmergencyRequest is the payload for POST /emergencies.
type InitiateEmergencyRequest struct {
	Type       string      `json:"type"`
	Severity   string      `json:"severity"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	StudentIDs []uuid.UUID `json:"student_ids,omitempty"` // empty means whole school
}

// AcknowledgeRequest records a guardian confirmation arriving over HTTP, for
// example a portal click.
type AcknowledgeRequest struct {
	GuardianID uuid.UUID `json:"guardian_id"`
	Channel    string    `json:"channel,omitempty"`
	Method     string    `json:"method,omitempty"`
}

// ResendRequest forces one more message to a guardian who reports not
// receiving the broadcast.
type ResendRequest struct {
	GuardianID uuid.UUID `json:"guardian_id"`
	Channel    string    `json:"channel,omitempty"` // empty lets the engine pick
}

// AckView is one acknowledgment in an emergency status view.
type AckView struct {
	GuardianID uuid.UUID `json:"guardian_id"`
	Channel    string    `json:"channel"`
	Method     string    `json:"method"`
	ReceivedAt time.Time `json:"received_at"`
}

// EmergencyResponse is the incident view with live counters.
type EmergencyResponse struct {
	ID              uuid.UUID   `json:"id"`
	Type            string      `json:"type"`
	Severity        string      `json:"severity"`
	State           string      `json:"state"`
	Title           string      `json:"title"`
	Body            string      `json:"body"`
	StudentIDs      []uuid.UUID `json:"student_ids,omitempty"`
	InitiatorID     uuid.UUID   `json:"initiator_id"`
	EscalationLevel int         `json:"escalation_level"`
	RecipientsTotal int         `json:"recipients_total"`
	SentCount       int         `json:"sent_count"`
	DeliveredCount  int         `json:"delivered_count"`
	AckedCount      int         `json:"acked_count"`
	PendingAcks     int         `json:"pending_acks"`
	InitiatedAt     time.Time   `json:"initiated_at"`
	BroadcastAt     *time.Time  `json:"broadcast_at,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	Acknowledgments []AckView   `json:"acknowledgments,omitempty"`
}

func emergencyResponse(incident *domain.Emergency, acks []*domain.Acknowledgment) EmergencyResponse {
	resp := EmergencyResponse{
		ID:              incident.ID,
		Type:            string(incident.Type),
		Severity:        string(incident.Severity),
		State:           string(incident.State),
		Title:           incident.Title,
		Body:            incident.Body,
		StudentIDs:      incident.StudentIDs,
		InitiatorID:     incident.InitiatorID,
		EscalationLevel: incident.EscalationLevel,
		RecipientsTotal: incident.RecipientsTotal,
		SentCount:       incident.SentCount,
		DeliveredCount:  incident.DeliveredCount,
		AckedCount:      incident.AckedCount,
		PendingAcks:     incident.PendingAcks,
		InitiatedAt:     incident.InitiatedAt,
		BroadcastAt:     incident.BroadcastAt,
		ResolvedAt:      incident.ResolvedAt,
	}
	for _, a := range acks {
		resp.Acknowledgments = append(resp.Acknowledgments, AckView{
			GuardianID: a.GuardianID,
			Channel:    string(a.Channel),
			Method:     string(a.Method),
			ReceivedAt: a.ReceivedAt,
		})
	}
	return resp
}

// GenericErrorResponse for API errors.
type GenericErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, logger *slog.Logger, message string, statusCode int) {
	logger.Warn("API error response", "status_code", statusCode, "message", message)
	writeJSON(w, statusCode, GenericErrorResponse{Error: message})
}

// writeServiceError maps service errors onto HTTP responses. Throttling
// denials get 429 so clients back off; other policy denials get 422 because
// the request was well-formed but refused; lost races get 409.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		denied      *domain.PolicyDeniedError
		missingVars *template.MissingVariablesError
	)
	switch {
	case errors.As(err, &denied):
		status := http.StatusUnprocessableEntity
		switch denied.Code {
		case domain.DenialRateLimited, domain.DenialCooldown:
			status = http.StatusTooManyRequests
		case domain.DenialInvalidRequest:
			status = http.StatusBadRequest
		}
		logger.Warn("Request denied by policy", "code", string(denied.Code), "reason", denied.Reason)
		writeJSON(w, status, GenericErrorResponse{Error: denied.Reason, Code: string(denied.Code)})
	case errors.Is(err, template.ErrUnknownTemplate), errors.As(err, &missingVars):
		jsonError(w, logger, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotAuthorized):
		jsonError(w, logger, "You do not have permission to perform this action", http.StatusForbidden)
	case errors.Is(err, domain.ErrNotFound):
		jsonError(w, logger, "Not found", http.StatusNotFound)
	case domain.IsConcurrencyConflict(err), domain.IsInvalidTransition(err):
		jsonError(w, logger, err.Error(), http.StatusConflict)
	default:
		logger.Error("Request failed", "error", err)
		jsonError(w, logger, "Internal error", http.StatusInternalServerError)
	}
}
