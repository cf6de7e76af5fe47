package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/core/domain"
)

func TestScreenTone(t *testing.T) {
	tests := []struct {
		name        string
		category    domain.MessageCategory
		subject     string
		body        string
		wantBlocked bool
		wantWorst   ToneSeverity
		wantKinds   []FindingKind
	}{
		{
			name:        "clean text passes",
			category:    domain.CategoryAttendance,
			subject:     "Attendance notice",
			body:        "Mina was marked absent this morning. Please contact the office.",
			wantBlocked: false,
			wantWorst:   ToneClear,
		},
		{
			name:        "blame language blocks",
			category:    domain.CategoryLearningUpdate,
			subject:     "Weekly update",
			body:        "Frankly, your child is lazy and it is your fault.",
			wantBlocked: true,
			wantWorst:   ToneBlock,
			wantKinds:   []FindingKind{KindBlame, KindBlame},
		},
		{
			name:        "comparison language blocks",
			category:    domain.CategoryLearningUpdate,
			subject:     "Results",
			body:        "Mina scored poorly compared to other students.",
			wantBlocked: true,
			wantWorst:   ToneBlock,
			wantKinds:   []FindingKind{KindComparison},
		},
		{
			name:        "alarm vocabulary blocks outside emergencies",
			category:    domain.CategoryAnnouncement,
			subject:     "Gym closure",
			body:        "The gym is closed. This is an emergency for the sports club.",
			wantBlocked: true,
			wantWorst:   ToneBlock,
			wantKinds:   []FindingKind{KindAlarm},
		},
		{
			name:        "alarm vocabulary is legitimate for emergency notices",
			category:    domain.CategoryEmergency,
			subject:     "Campus lockdown",
			body:        "Evacuate the east wing immediately. This is an emergency.",
			wantBlocked: false,
			wantWorst:   ToneClear,
		},
		{
			name:        "mild alarm words only warn",
			category:    domain.CategoryFeeStatus,
			subject:     "Payment reminder",
			body:        "Please settle the invoice urgently, ideally immediately.",
			wantBlocked: false,
			wantWorst:   ToneWarn,
			wantKinds:   []FindingKind{KindAlarm, KindAlarm},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := ScreenTone(tc.category, tc.subject, tc.body)

			assert.Equal(t, tc.wantBlocked, report.Blocked)
			assert.Equal(t, tc.wantWorst, report.Severity)
			require.Len(t, report.Findings, len(tc.wantKinds))
			for i, kind := range tc.wantKinds {
				assert.Equal(t, kind, report.Findings[i].Kind)
			}
		})
	}
}

func TestScreenToneReasonsNameThePhrase(t *testing.T) {
	report := ScreenTone(domain.CategoryLearningUpdate, "Update", "your child is lazy")

	require.NotEmpty(t, report.Reasons())
	assert.Contains(t, report.Reasons()[0], "blame")
	assert.Contains(t, report.Reasons()[0], "lazy")
}

func TestSoftenAppliesSuggestions(t *testing.T) {
	body := "A reply would be Urgent. Mina seems lazy in class."
	report := ScreenTone(domain.CategoryAttendance, "", body)
	require.True(t, report.Blocked)

	softened, applied := Soften(body, report)

	require.NotEmpty(t, applied)
	assert.NotContains(t, softened, "Urgent")
	assert.NotContains(t, softened, "lazy")
	assert.Contains(t, softened, "timely")
	assert.Contains(t, softened, "not yet fully engaged")
}

func TestSoftenLeavesUnsuggestedPhrases(t *testing.T) {
	body := "Mina is the worst in the class."
	report := ScreenTone(domain.CategoryLearningUpdate, "", body)
	require.True(t, report.Blocked)

	softened, applied := Soften(body, report)

	assert.Empty(t, applied)
	assert.Equal(t, body, softened)
	// A re-screen still blocks: Soften never hides findings it cannot fix.
	assert.True(t, ScreenTone(domain.CategoryLearningUpdate, "", softened).Blocked)
}
