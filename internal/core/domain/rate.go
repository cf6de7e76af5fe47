package domain

import (
	"time"

	"github.com/google/uuid"
)

// RateWindows parameterizes one rate evaluation. All counters are computed
// against the same Now so a single evaluation sees one consistent snapshot.
type RateWindows struct {
	Now      time.Time
	Day      time.Duration
	Week     time.Duration
	Burst    time.Duration
	Lookback time.Duration // rejection-rate history
}

// RateSnapshot holds the derived counters for one (sender, student, guardian)
// evaluation. Never stored; recomputed from message history on demand.
type RateSnapshot struct {
	SenderDayCount    int
	SenderWeekCount   int
	SenderLastSendAt  *time.Time
	RecipientDayCount int
	PairLastAt        *time.Time
	BurstCount        int
	SendCountLookback int
	TakenAt           time.Time
}

// OverrideGrant is an admin-issued, time-bounded cap multiplier for one
// sender. Expires automatically; issuance is audit-logged.
type OverrideGrant struct {
	ID         uuid.UUID `json:"id"`
	SenderID   uuid.UUID `json:"sender_id"`
	Multiplier float64   `json:"multiplier"`
	GrantedBy  uuid.UUID `json:"granted_by"`
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Active reports whether the grant is in force at now.
func (g OverrideGrant) Active(now time.Time) bool {
	return g.ExpiresAt.After(now)
}
