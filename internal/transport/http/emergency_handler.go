package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/emergency"
)

type EmergencyHandler struct {
	engine *emergency.Engine
	logger *slog.Logger
}

func NewEmergencyHandler(engine *emergency.Engine, logger *slog.Logger) *EmergencyHandler {
	return &EmergencyHandler{
		engine: engine,
		logger: logger.With("handler", "emergency"),
	}
}

// RegisterRoutes registers emergency routes with the given router.
func (h *EmergencyHandler) RegisterRoutes(r chi.Router) {
	r.Post("/emergencies", h.handleInitiate)
	r.Get("/emergencies/{emergencyID}", h.handleGet)
	r.Post("/emergencies/{emergencyID}/broadcast", h.handleBroadcast)
	r.Post("/emergencies/{emergencyID}/escalate", h.handleEscalate)
	r.Post("/emergencies/{emergencyID}/acknowledge", h.handleAcknowledge)
	r.Post("/emergencies/{emergencyID}/resend", h.handleResend)
	r.Post("/emergencies/{emergencyID}/resolve", h.handleResolve)
	r.Post("/emergencies/{emergencyID}/cancel", h.handleCancel)
}

func (h *EmergencyHandler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
}

func (h *EmergencyHandler) emergencyID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "emergencyID"))
	if err != nil {
		jsonError(w, logger, "Invalid emergency ID format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *EmergencyHandler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	var req InitiateEmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	incident, err := h.engine.Initiate(ctx, actor,
		domain.EmergencyType(req.Type), domain.EmergencySeverity(req.Severity),
		req.Title, req.Body, req.StudentIDs)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}

	logger.InfoContext(ctx, "Emergency initiated", "emergency_id", incident.ID, "initiator_id", actor.ID)
	writeJSON(w, http.StatusCreated, emergencyResponse(incident, nil))
}

func (h *EmergencyHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	if _, ok := ActorFromContext(ctx); !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	id, ok := h.emergencyID(w, r, logger)
	if !ok {
		return
	}

	incident, acks, err := h.engine.Get(ctx, id)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyResponse(incident, acks))
}

func (h *EmergencyHandler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	id, ok := h.emergencyID(w, r, logger)
	if !ok {
		return
	}

	incident, err := h.engine.Broadcast(ctx, actor, id)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Emergency broadcast", "emergency_id", id, "recipients", incident.RecipientsTotal)
	writeJSON(w, http.StatusAccepted, emergencyResponse(incident, nil))
}

func (h *EmergencyHandler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	id, ok := h.emergencyID(w, r, logger)
	if !ok {
		return
	}

	incident, err := h.engine.Escalate(ctx, actor, id)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Emergency escalated", "emergency_id", id, "level", incident.EscalationLevel)
	writeJSON(w, http.StatusAccepted, emergencyResponse(incident, nil))
}

func (h *EmergencyHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	if _, ok := ActorFromContext(ctx); !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	id, ok := h.emergencyID(w, r, logger)
	if !ok {
		return
	}

	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.GuardianID == uuid.Nil {
		jsonError(w, logger, "guardian_id is required", http.StatusBadRequest)
		return
	}
	method := domain.AckMethod(req.Method)
	if method == "" {
		method = domain.AckMethodPortalClick
	}

	err := h.engine.RecordAcknowledgment(ctx, id, req.GuardianID, domain.Channel(req.Channel), method)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Acknowledgment recorded", "emergency_id", id, "guardian_id", req.GuardianID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *EmergencyHandler) handleResend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	id, ok := h.emergencyID(w, r, logger)
	if !ok {
		return
	}

	var req ResendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.GuardianID == uuid.Nil {
		jsonError(w, logger, "guardian_id is required", http.StatusBadRequest)
		return
	}

	msg, err := h.engine.ForceResend(ctx, actor, id, req.GuardianID, domain.Channel(req.Channel))
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Emergency resend queued",
		"emergency_id", id, "guardian_id", req.GuardianID, "channel", string(msg.Channel))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message_id": msg.ID.String(),
		"channel":    string(msg.Channel),
	})
}

func (h *EmergencyHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	id, ok := h.emergencyID(w, r, logger)
	if !ok {
		return
	}

	incident, err := h.engine.Resolve(ctx, actor, id)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Emergency resolved", "emergency_id", id)
	writeJSON(w, http.StatusOK, emergencyResponse(incident, nil))
}

func (h *EmergencyHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := ActorFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	id, ok := h.emergencyID(w, r, logger)
	if !ok {
		return
	}

	incident, err := h.engine.Cancel(ctx, actor, id)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}
	logger.InfoContext(ctx, "Emergency cancelled", "emergency_id", id)
	writeJSON(w, http.StatusOK, emergencyResponse(incident, nil))
}
