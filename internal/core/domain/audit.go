package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditKind names one auditable action.
type AuditKind string

const (
	AuditSendRequested      AuditKind = "send_requested"
	AuditSendDenied         AuditKind = "send_denied"
	AuditMessageRecalled    AuditKind = "message_recalled"
	AuditMessageRetried     AuditKind = "message_retried"
	AuditEmergencyInitiated AuditKind = "emergency_initiated"
	AuditEmergencyBroadcast AuditKind = "emergency_broadcast"
	AuditEmergencyEscalated AuditKind = "emergency_escalated"
	AuditEmergencyResolved  AuditKind = "emergency_resolved"
	AuditEmergencyCancelled AuditKind = "emergency_cancelled"
	AuditOverrideGranted    AuditKind = "override_granted"
	AuditForcedResend       AuditKind = "forced_resend"
)

// AuditEvent is one append-only entry in the audit log. Emission is
// best-effort everywhere; a lost event never aborts the action it describes.
type AuditEvent struct {
	ID         uuid.UUID       `json:"id"`
	Kind       AuditKind       `json:"kind"`
	ActorID    uuid.UUID       `json:"actor_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
