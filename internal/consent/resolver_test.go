package consent

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/core/domain"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func policyFor(category domain.MessageCategory) domain.CategoryPolicy {
	return domain.DefaultCategoryPolicies()[category]
}

func guardian(primary bool, optOuts ...domain.OptOut) domain.GuardianPreference {
	return domain.GuardianPreference{
		GuardianID: uuid.New(),
		Primary:    primary,
		Consents:   map[domain.MessageCategory]domain.ConsentStatus{},
		OptOuts:    optOuts,
	}
}

func globalOptOut() domain.OptOut {
	return domain.OptOut{Scope: domain.OptOutGlobal, Reason: "asked to stop all messages"}
}

func categoryOptOut(c domain.MessageCategory) domain.OptOut {
	return domain.OptOut{Scope: domain.OptOutCategory, Category: &c}
}

func studentOptOut(studentID uuid.UUID) domain.OptOut {
	return domain.OptOut{Scope: domain.OptOutStudent, StudentID: &studentID}
}

func TestResolveEmergencyBypassesEverything(t *testing.T) {
	g := guardian(true, globalOptOut(), categoryOptOut(domain.CategoryEmergency))
	g.Consents[domain.CategoryEmergency] = domain.ConsentDenied

	res := Resolve(Input{
		Category:  domain.CategoryEmergency,
		StudentID: uuid.New(),
		Policy:    policyFor(domain.CategoryEmergency),
		Guardians: []domain.GuardianPreference{g},
		Now:       testNow,
	})

	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, "emergency bypass", res.Decision.Reason)
	assert.Equal(t, []uuid.UUID{g.GuardianID}, res.Recipients)
}

func TestResolveGlobalOptOutDeniesAutomatedSend(t *testing.T) {
	g := guardian(true, globalOptOut())

	res := Resolve(Input{
		Category:  domain.CategoryLearningUpdate,
		StudentID: uuid.New(),
		Policy:    policyFor(domain.CategoryLearningUpdate),
		Guardians: []domain.GuardianPreference{g},
		Now:       testNow,
	})

	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, "global opt-out", res.Decision.Reason)
	assert.Empty(t, res.Recipients)
}

func TestResolveTeacherBypass(t *testing.T) {
	t.Run("bypassable category admits manual sends past opt-outs", func(t *testing.T) {
		g := guardian(true, categoryOptOut(domain.CategoryAttendance))

		res := Resolve(Input{
			Category:     domain.CategoryAttendance,
			StudentID:    uuid.New(),
			Policy:       policyFor(domain.CategoryAttendance),
			Guardians:    []domain.GuardianPreference{g},
			ManualAuthor: true,
			Now:          testNow,
		})

		assert.True(t, res.Decision.Allowed)
		assert.Equal(t, "teacher bypass", res.Decision.Reason)
	})

	t.Run("non-bypassable category ignores the manual flag", func(t *testing.T) {
		g := guardian(true, categoryOptOut(domain.CategoryAnnouncement))

		res := Resolve(Input{
			Category:     domain.CategoryAnnouncement,
			StudentID:    uuid.New(),
			Policy:       policyFor(domain.CategoryAnnouncement),
			Guardians:    []domain.GuardianPreference{g},
			ManualAuthor: true,
			Now:          testNow,
		})

		assert.False(t, res.Decision.Allowed)
		assert.Contains(t, res.Decision.Reason, "opted out of announcement")
	})

	t.Run("automated sends never bypass", func(t *testing.T) {
		g := guardian(true, categoryOptOut(domain.CategoryAttendance))

		res := Resolve(Input{
			Category:  domain.CategoryAttendance,
			StudentID: uuid.New(),
			Policy:    policyFor(domain.CategoryAttendance),
			Guardians: []domain.GuardianPreference{g},
			Now:       testNow,
		})

		assert.False(t, res.Decision.Allowed)
	})
}

func TestResolveOptOutScopes(t *testing.T) {
	studentA := uuid.New()
	studentB := uuid.New()

	t.Run("category opt-out leaves other categories open", func(t *testing.T) {
		g := guardian(true, categoryOptOut(domain.CategoryLearningUpdate))

		denied := Resolve(Input{
			Category: domain.CategoryLearningUpdate, StudentID: studentA,
			Policy: policyFor(domain.CategoryLearningUpdate), Guardians: []domain.GuardianPreference{g}, Now: testNow,
		})
		assert.False(t, denied.Decision.Allowed)

		allowed := Resolve(Input{
			Category: domain.CategoryAttendance, StudentID: studentA,
			Policy: policyFor(domain.CategoryAttendance), Guardians: []domain.GuardianPreference{g}, Now: testNow,
		})
		assert.True(t, allowed.Decision.Allowed)
	})

	t.Run("student opt-out is per student", func(t *testing.T) {
		g := guardian(true, studentOptOut(studentA))

		denied := Resolve(Input{
			Category: domain.CategoryAttendance, StudentID: studentA,
			Policy: policyFor(domain.CategoryAttendance), Guardians: []domain.GuardianPreference{g}, Now: testNow,
		})
		assert.False(t, denied.Decision.Allowed)
		assert.Equal(t, "opted out of messages about this student", denied.Decision.Reason)

		allowed := Resolve(Input{
			Category: domain.CategoryAttendance, StudentID: studentB,
			Policy: policyFor(domain.CategoryAttendance), Guardians: []domain.GuardianPreference{g}, Now: testNow,
		})
		assert.True(t, allowed.Decision.Allowed)
	})

	t.Run("expired opt-out no longer suppresses", func(t *testing.T) {
		expired := testNow.Add(-time.Hour)
		out := globalOptOut()
		out.ExpiresAt = &expired
		g := guardian(true, out)

		res := Resolve(Input{
			Category: domain.CategoryAttendance, StudentID: studentA,
			Policy: policyFor(domain.CategoryAttendance), Guardians: []domain.GuardianPreference{g}, Now: testNow,
		})
		assert.True(t, res.Decision.Allowed)
	})

	t.Run("widest scope names the reason", func(t *testing.T) {
		g := guardian(true, studentOptOut(studentA), globalOptOut())

		res := Resolve(Input{
			Category: domain.CategoryAttendance, StudentID: studentA,
			Policy: policyFor(domain.CategoryAttendance), Guardians: []domain.GuardianPreference{g}, Now: testNow,
		})
		assert.Equal(t, "global opt-out", res.Decision.Reason)
	})
}

func TestResolveExplicitConsent(t *testing.T) {
	tests := []struct {
		name        string
		category    domain.MessageCategory
		status      domain.ConsentStatus
		wantAllowed bool
		wantReason  string
	}{
		{"granted consent allows", domain.CategoryLearningUpdate, domain.ConsentGranted, true, "explicit consent"},
		{"denied consent blocks", domain.CategoryLearningUpdate, domain.ConsentDenied, false, "consent declined for learning_update"},
		{"unset without default blocks", domain.CategoryLearningUpdate, domain.ConsentUnset, false, "no consent on record for learning_update"},
		{"unset with category default allows", domain.CategoryAttendance, domain.ConsentUnset, true, "allowed by category default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := guardian(true)
			if tc.status != domain.ConsentUnset {
				g.Consents[tc.category] = tc.status
			}

			res := Resolve(Input{
				Category:  tc.category,
				StudentID: uuid.New(),
				Policy:    policyFor(tc.category),
				Guardians: []domain.GuardianPreference{g},
				Now:       testNow,
			})

			assert.Equal(t, tc.wantAllowed, res.Decision.Allowed)
			assert.Equal(t, tc.wantReason, res.Decision.Reason)
		})
	}
}

func TestResolveConflictStrategies(t *testing.T) {
	// Guardian one allows (granted), guardian two denies (global opt-out).
	allowing := guardian(false)
	allowing.Consents[domain.CategoryLearningUpdate] = domain.ConsentGranted
	denying := guardian(true, globalOptOut())

	tests := []struct {
		strategy    domain.ConflictStrategy
		wantAllowed bool
	}{
		{domain.StrategyAnyAllows, true},
		{domain.StrategyMostPermissive, true},
		{domain.StrategyAllAllow, false},
		{domain.StrategyMostRestrictive, false},
		{domain.StrategyPrimaryDecides, false}, // the denying guardian is primary
	}

	for _, tc := range tests {
		t.Run(string(tc.strategy), func(t *testing.T) {
			policy := policyFor(domain.CategoryLearningUpdate)
			policy.ConflictStrategy = tc.strategy

			res := Resolve(Input{
				Category:  domain.CategoryLearningUpdate,
				StudentID: uuid.New(),
				Policy:    policy,
				Guardians: []domain.GuardianPreference{allowing, denying},
				Now:       testNow,
			})

			assert.Equal(t, tc.wantAllowed, res.Decision.Allowed)
			require.Len(t, res.PerGuardian, 2)
			assert.True(t, res.PerGuardian[0].Decision.Allowed)
			assert.False(t, res.PerGuardian[1].Decision.Allowed)

			if tc.wantAllowed {
				// Only the individually allowed guardian is addressable.
				assert.Equal(t, []uuid.UUID{allowing.GuardianID}, res.Recipients)
			} else {
				assert.Empty(t, res.Recipients)
			}
		})
	}
}

func TestResolvePrimaryDecidesFollowsPrimary(t *testing.T) {
	primary := guardian(true)
	primary.Consents[domain.CategoryLearningUpdate] = domain.ConsentGranted
	secondary := guardian(false, globalOptOut())

	policy := policyFor(domain.CategoryLearningUpdate)
	policy.ConflictStrategy = domain.StrategyPrimaryDecides

	res := Resolve(Input{
		Category:  domain.CategoryLearningUpdate,
		StudentID: uuid.New(),
		Policy:    policy,
		Guardians: []domain.GuardianPreference{secondary, primary},
		Now:       testNow,
	})

	assert.True(t, res.Decision.Allowed, "primary grants, so the send goes")
	assert.Equal(t, []uuid.UUID{primary.GuardianID}, res.Recipients,
		"the opted-out secondary must still not be addressed")
}

func TestResolveNoGuardians(t *testing.T) {
	res := Resolve(Input{
		Category:  domain.CategoryAttendance,
		StudentID: uuid.New(),
		Policy:    policyFor(domain.CategoryAttendance),
		Now:       testNow,
	})

	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, "no guardians linked to student", res.Decision.Reason)
}

// TestResolveProperties pins the two structural guarantees: emergency sends
// are never suppressed by preference state, and identical input always
// produces an identical result.
func TestResolveProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	studentID := uuid.New()
	buildInput := func(category domain.MessageCategory, globalOut, catOut, studentOut, denied, manual bool) Input {
		g := guardian(true)
		if globalOut {
			g.OptOuts = append(g.OptOuts, globalOptOut())
		}
		if catOut {
			g.OptOuts = append(g.OptOuts, categoryOptOut(category))
		}
		if studentOut {
			g.OptOuts = append(g.OptOuts, studentOptOut(studentID))
		}
		if denied {
			g.Consents[category] = domain.ConsentDenied
		}
		return Input{
			Category:     category,
			StudentID:    studentID,
			Policy:       policyFor(category),
			Guardians:    []domain.GuardianPreference{g},
			ManualAuthor: manual,
			Now:          testNow,
		}
	}

	properties.Property("emergency sends always reach the guardian", prop.ForAll(
		func(globalOut, catOut, studentOut, denied, manual bool) bool {
			res := Resolve(buildInput(domain.CategoryEmergency, globalOut, catOut, studentOut, denied, manual))
			return res.Decision.Allowed && len(res.Recipients) == 1
		},
		gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.Property("identical input resolves identically", prop.ForAll(
		func(globalOut, catOut, studentOut, denied, manual bool) bool {
			in := buildInput(domain.CategoryLearningUpdate, globalOut, catOut, studentOut, denied, manual)
			return reflect.DeepEqual(Resolve(in), Resolve(in))
		},
		gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}
