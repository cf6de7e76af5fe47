// Package consent decides whether a category send may reach a student's
// guardians. Resolve is a pure function of its Input: no store, no clock,
// no hidden state, so identical input always yields an identical Result.
package consent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

// Input is everything Resolve may consult for one (category, student) send.
type Input struct {
	Category     domain.MessageCategory
	StudentID    uuid.UUID
	Policy       domain.CategoryPolicy
	Guardians    []domain.GuardianPreference
	ManualAuthor bool      // teacher-authored one-off rather than an automated send
	Now          time.Time // evaluation instant for opt-out expiry
}

// Decision is one allow/deny verdict with a human-readable reason. Code is
// set only on denials so callers map outcomes without string matching.
type Decision struct {
	Allowed bool
	Code    domain.DenialCode
	Reason  string
}

// GuardianDecision pairs a guardian with their individual verdict.
type GuardianDecision struct {
	GuardianID uuid.UUID
	Decision   Decision
}

// Result carries the overall verdict after the category's conflict strategy,
// the per-guardian verdicts in input order, and Recipients: the guardians a
// send may actually address (the individually allowed ones). A send denied
// overall has no usable Recipients regardless of individual verdicts.
type Result struct {
	Decision    Decision
	PerGuardian []GuardianDecision
	Recipients  []uuid.UUID
}

// Resolve evaluates the ordered decision sequence per guardian (emergency
// bypass, teacher bypass, global opt-out, category opt-out, student opt-out,
// explicit consent, category default) and combines the verdicts with the
// policy's conflict strategy.
func Resolve(in Input) Result {
	result := Result{PerGuardian: make([]GuardianDecision, 0, len(in.Guardians))}
	for _, pref := range in.Guardians {
		d := resolveGuardian(in, pref)
		result.PerGuardian = append(result.PerGuardian, GuardianDecision{GuardianID: pref.GuardianID, Decision: d})
		if d.Allowed {
			result.Recipients = append(result.Recipients, pref.GuardianID)
		}
	}
	result.Decision = combine(in, result.PerGuardian)
	if !result.Decision.Allowed {
		result.Recipients = nil
	}
	return result
}

func resolveGuardian(in Input, pref domain.GuardianPreference) Decision {
	if in.Category == domain.CategoryEmergency {
		return Decision{Allowed: true, Reason: "emergency bypass"}
	}
	if in.ManualAuthor && in.Policy.TeacherBypass {
		return Decision{Allowed: true, Reason: "teacher bypass"}
	}

	// Opt-outs are checked widest scope first so the reason is stable
	// regardless of the order entries were recorded in.
	var globalOut, categoryOut, studentOut bool
	for _, o := range pref.OptOuts {
		if !o.Active(in.Now) {
			continue
		}
		switch o.Scope {
		case domain.OptOutGlobal:
			globalOut = true
		case domain.OptOutCategory:
			if o.Category != nil && *o.Category == in.Category {
				categoryOut = true
			}
		case domain.OptOutStudent:
			if o.StudentID != nil && *o.StudentID == in.StudentID {
				studentOut = true
			}
		}
	}
	switch {
	case globalOut:
		return Decision{Code: domain.DenialOptedOut, Reason: "global opt-out"}
	case categoryOut:
		return Decision{Code: domain.DenialOptedOut, Reason: fmt.Sprintf("opted out of %s messages", in.Category)}
	case studentOut:
		return Decision{Code: domain.DenialOptedOut, Reason: "opted out of messages about this student"}
	}

	switch pref.ConsentFor(in.Category) {
	case domain.ConsentGranted:
		return Decision{Allowed: true, Reason: "explicit consent"}
	case domain.ConsentDenied:
		return Decision{Code: domain.DenialNoConsent, Reason: fmt.Sprintf("consent declined for %s", in.Category)}
	default:
		if in.Policy.DefaultOnUnset {
			return Decision{Allowed: true, Reason: "allowed by category default"}
		}
		return Decision{Code: domain.DenialNoConsent, Reason: fmt.Sprintf("no consent on record for %s", in.Category)}
	}
}

// combine applies the conflict strategy. With a binary per-guardian verdict,
// any_guardian_allows and most_permissive collapse to OR and
// all_guardians_allow and most_restrictive collapse to AND; an unknown
// strategy falls back to AND.
func combine(in Input, decisions []GuardianDecision) Decision {
	if len(decisions) == 0 {
		return Decision{Code: domain.DenialNoRecipients, Reason: "no guardians linked to student"}
	}

	firstAllow, firstDeny := -1, -1
	for i, d := range decisions {
		if d.Decision.Allowed {
			if firstAllow < 0 {
				firstAllow = i
			}
		} else if firstDeny < 0 {
			firstDeny = i
		}
	}

	switch in.Policy.ConflictStrategy {
	case domain.StrategyAnyAllows, domain.StrategyMostPermissive:
		if firstAllow >= 0 {
			return decisions[firstAllow].Decision
		}
		return decisions[firstDeny].Decision
	case domain.StrategyPrimaryDecides:
		primary := 0
		for i, pref := range in.Guardians {
			if pref.Primary {
				primary = i
				break
			}
		}
		return decisions[primary].Decision
	default: // all_guardians_allow, most_restrictive
		if firstDeny >= 0 {
			return decisions[firstDeny].Decision
		}
		return decisions[firstAllow].Decision
	}
}
