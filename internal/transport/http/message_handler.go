// Package http is the REST surface of the notification core. Handlers stay
// thin: decode, resolve the actor, call the service, translate the outcome.
// All policy lives behind the service boundary.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/notifier"
)

type MessageHandler struct {
	svc    *notifier.Service
	logger *slog.Logger
}

func NewMessageHandler(svc *notifier.Service, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		svc:    svc,
		logger: logger.With("handler", "message"),
	}
}

// RegisterRoutes registers message routes with the given router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages/send", h.handleSendMessage)
	r.Get("/messages/{messageID}", h.handleGetMessageStatus)
	r.Post("/messages/{messageID}/recall", h.handleRecallMessage)
	r.Post("/messages/{messageID}/retry", h.handleRetryMessage)
	r.Post("/overrides", h.handleGrantOverride)
}

func (h *MessageHandler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
}

func (h *MessageHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("actor_id", actor.ID)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.StudentID == uuid.Nil {
		jsonError(w, logger, "student_id is required", http.StatusBadRequest)
		return
	}

	ids, spooled, err := h.svc.SubmitOrSpool(ctx, actor, req.toService())
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	if spooled {
		logger.InfoContext(ctx, "Send buffered offline", "idempotency_key", req.IdempotencyKey)
		writeJSON(w, http.StatusAccepted, SendMessageResponse{Spooled: true})
		return
	}

	logger.InfoContext(ctx, "Send accepted", "messages", len(ids))
	writeJSON(w, http.StatusAccepted, SendMessageResponse{MessageIDs: ids})
}

func (h *MessageHandler) handleGetMessageStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		jsonError(w, logger, "Invalid message ID format", http.StatusBadRequest)
		return
	}

	status, err := h.svc.GetMessageStatus(ctx, actor, messageID)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	// Teachers see their own sends; admins see everything.
	if status.Message.SenderID != actor.ID && !actor.Admin() {
		jsonError(w, logger, "You do not have permission to view this message", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, messageStatusResponse(status))
}

func (h *MessageHandler) handleRecallMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		jsonError(w, logger, "Invalid message ID format", http.StatusBadRequest)
		return
	}

	if err := h.svc.RecallMessage(ctx, actor, messageID); err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Message recalled", "message_id", messageID)
	writeJSON(w, http.StatusOK, map[string]string{"state": string(domain.StateCancelled)})
}

func (h *MessageHandler) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		jsonError(w, logger, "Invalid message ID format", http.StatusBadRequest)
		return
	}

	var req RetryMessageRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	msg, err := h.svc.RetryMessage(ctx, actor, messageID, domain.MessagePriority(req.Priority))
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Message requeued", "message_id", messageID)
	writeJSON(w, http.StatusOK, messageStatusResponse(&notifier.MessageStatus{
		Message: msg,
		Label:   notifier.StatusLabel(msg.State, actor.Role),
	}))
}

func (h *MessageHandler) handleGrantOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	var req GrantOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SenderID == uuid.Nil {
		jsonError(w, logger, "sender_id is required", http.StatusBadRequest)
		return
	}

	grant, err := h.svc.GrantOverride(ctx, actor, req.SenderID, req.Multiplier,
		time.Duration(req.DurationMinutes)*time.Minute, req.Reason)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}

	logger.InfoContext(ctx, "Cap override granted", "sender_id", req.SenderID, "multiplier", req.Multiplier)
	writeJSON(w, http.StatusCreated, GrantOverrideResponse{
		ID:         grant.ID,
		SenderID:   grant.SenderID,
		Multiplier: grant.Multiplier,
		Reason:     grant.Reason,
		ExpiresAt:  grant.ExpiresAt,
	})
}
