package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConsentStatus is a guardian's explicit stance on one message category.
type ConsentStatus string

const (
	ConsentGranted ConsentStatus = "granted"
	ConsentDenied  ConsentStatus = "denied"
	ConsentUnset   ConsentStatus = "unset"
)

// OptOutScope bounds what an opt-out entry suppresses.
type OptOutScope string

const (
	OptOutGlobal   OptOutScope = "global"   // all automated messages
	OptOutCategory OptOutScope = "category" // one category
	OptOutStudent  OptOutScope = "student"  // all messages about one student
)

// OptOut is one guardian-initiated suppression entry.
type OptOut struct {
	Scope     OptOutScope      `json:"scope"`
	Category  *MessageCategory `json:"category,omitempty"`
	StudentID *uuid.UUID       `json:"student_id,omitempty"`
	Reason    string           `json:"reason"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

// Active reports whether the entry is in force at now.
func (o OptOut) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// GuardianPreference is one guardian's consent state as seen by the resolver.
type GuardianPreference struct {
	GuardianID uuid.UUID                         `json:"guardian_id"`
	Primary    bool                              `json:"primary"`
	Consents   map[MessageCategory]ConsentStatus `json:"consents"`
	OptOuts    []OptOut                          `json:"opt_outs"`
}

// ConsentFor returns the guardian's explicit stance on category, ConsentUnset
// when none is recorded.
func (p GuardianPreference) ConsentFor(category MessageCategory) ConsentStatus {
	if s, ok := p.Consents[category]; ok {
		return s
	}
	return ConsentUnset
}

// ConflictStrategy decides the outcome when linked guardians disagree.
type ConflictStrategy string

const (
	StrategyAnyAllows      ConflictStrategy = "any_guardian_allows"
	StrategyAllAllow       ConflictStrategy = "all_guardians_allow"
	StrategyPrimaryDecides ConflictStrategy = "primary_guardian_decides"
	StrategyMostPermissive ConflictStrategy = "most_permissive"
	StrategyMostRestrictive ConflictStrategy = "most_restrictive"
)

// CategoryPolicy fixes per-category behavior: fallback channel order,
// opt-out bypassability for manual teacher sends, default consent when a
// guardian never answered, and the multi-guardian conflict strategy.
type CategoryPolicy struct {
	Category         MessageCategory
	ChannelRank      []Channel
	TeacherBypass    bool // manually authored teacher sends may bypass opt-outs
	DefaultOnUnset   bool // treat ConsentUnset as allow
	ConflictStrategy ConflictStrategy
}

// DefaultCategoryPolicies returns the built-in policy table. Attendance and
// fee status default to allow on unset consent since they are operational
// notices; learning updates require explicit consent.
func DefaultCategoryPolicies() map[MessageCategory]CategoryPolicy {
	return map[MessageCategory]CategoryPolicy{
		CategoryAttendance: {
			Category:         CategoryAttendance,
			ChannelRank:      []Channel{ChannelPush, ChannelSMS, ChannelEmail},
			TeacherBypass:    true,
			DefaultOnUnset:   true,
			ConflictStrategy: StrategyAnyAllows,
		},
		CategoryLearningUpdate: {
			Category:         CategoryLearningUpdate,
			ChannelRank:      []Channel{ChannelPush, ChannelEmail},
			TeacherBypass:    true,
			DefaultOnUnset:   false,
			ConflictStrategy: StrategyMostRestrictive,
		},
		CategoryAnnouncement: {
			Category:         CategoryAnnouncement,
			ChannelRank:      []Channel{ChannelPush, ChannelEmail},
			TeacherBypass:    false,
			DefaultOnUnset:   true,
			ConflictStrategy: StrategyMostPermissive,
		},
		CategoryFeeStatus: {
			Category:         CategoryFeeStatus,
			ChannelRank:      []Channel{ChannelEmail, ChannelSMS},
			TeacherBypass:    false,
			DefaultOnUnset:   true,
			ConflictStrategy: StrategyPrimaryDecides,
		},
		CategoryEmergency: {
			Category:         CategoryEmergency,
			ChannelRank:      []Channel{ChannelPush, ChannelSMS, ChannelEmail},
			TeacherBypass:    true,
			DefaultOnUnset:   true,
			ConflictStrategy: StrategyAnyAllows,
		},
	}
}
