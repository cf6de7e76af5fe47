package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

// MessageRepository persists messages and their delivery attempts.
//
// All mutating methods are conditional on the message version: an update whose
// stored version differs returns domain.ErrVersionConflict and leaves the row
// untouched. On success the repository bumps both the stored and the in-memory
// Version so the caller can continue mutating the same instance.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	// GetByIdempotencyKey returns domain.ErrNotFound when no message carries key.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Message, error)
	Update(ctx context.Context, msg *domain.Message) error
	// ClaimDue atomically moves up to limit queued messages whose
	// NextAttemptAt is unset or due into the sending state and returns them.
	// Claimed rows are invisible to concurrent claimers. Returns
	// domain.ErrNoDueMessages when nothing is ready.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error)
	// FinishAttempt appends one delivery attempt and applies the message
	// update in a single transaction, version-conditional like Update.
	FinishAttempt(ctx context.Context, msg *domain.Message, attempt *domain.DeliveryAttempt) error
	ListAttempts(ctx context.Context, messageID uuid.UUID) ([]*domain.DeliveryAttempt, error)
	ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]*domain.Message, error)
	// CancelQueuedByEmergency drains still-queued messages of one emergency
	// (terminal cancel, no delivery) and reports how many were drained.
	CancelQueuedByEmergency(ctx context.Context, emergencyID uuid.UUID) (int, error)
	// RateSnapshot computes the derived counters for one evaluation against a
	// single consistent Now.
	RateSnapshot(ctx context.Context, senderID, studentID, guardianID uuid.UUID, windows domain.RateWindows) (*domain.RateSnapshot, error)
}

// EmergencyRepository persists emergencies and acknowledgments.
type EmergencyRepository interface {
	Create(ctx context.Context, e *domain.Emergency) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Emergency, error)
	// Update is version-conditional, like MessageRepository.Update.
	Update(ctx context.Context, e *domain.Emergency) error
	// ListActive returns emergencies in broadcasting or escalating state.
	ListActive(ctx context.Context) ([]*domain.Emergency, error)
	// RecordAck inserts the acknowledgment unless the guardian already
	// acknowledged this emergency; created reports whether a row was added.
	RecordAck(ctx context.Context, ack *domain.Acknowledgment) (created bool, err error)
	ListAcks(ctx context.Context, emergencyID uuid.UUID) ([]*domain.Acknowledgment, error)
	ListAckedGuardians(ctx context.Context, emergencyID uuid.UUID) ([]uuid.UUID, error)
}

// PreferenceRepository reads and writes guardian consent and opt-out state.
type PreferenceRepository interface {
	GetPreferences(ctx context.Context, guardianIDs []uuid.UUID) ([]domain.GuardianPreference, error)
	Upsert(ctx context.Context, pref domain.GuardianPreference) error
}

// DirectoryRepository exposes the guardian/student directory.
type DirectoryRepository interface {
	GetGuardian(ctx context.Context, id uuid.UUID) (*domain.Guardian, error)
	ListLinksByStudent(ctx context.Context, studentID uuid.UUID) ([]domain.GuardianLink, error)
	// ListEmergencyEligible returns emergency-eligible links for the given
	// students; an empty slice means the whole school. Each guardian appears
	// at most once even when linked to several affected students.
	ListEmergencyEligible(ctx context.Context, studentIDs []uuid.UUID) ([]domain.GuardianLink, error)
}

// GuardRepository persists denial history and cap override grants.
type GuardRepository interface {
	RecordDenial(ctx context.Context, senderID uuid.UUID, code domain.DenialCode, at time.Time) error
	CountDenials(ctx context.Context, senderID uuid.UUID, since time.Time) (int, error)
	CreateOverride(ctx context.Context, grant *domain.OverrideGrant) error
	// ActiveOverride returns domain.ErrNotFound when no unexpired grant exists.
	ActiveOverride(ctx context.Context, senderID uuid.UUID, now time.Time) (*domain.OverrideGrant, error)
}

// AuditRepository is the append-only audit log store.
type AuditRepository interface {
	Append(ctx context.Context, event *domain.AuditEvent) error
	ListRecent(ctx context.Context, limit int) ([]*domain.AuditEvent, error)
}
