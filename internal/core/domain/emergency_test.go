package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextEmergencyState(t *testing.T) {
	testCases := []struct {
		name      string
		from      EmergencyState
		event     EmergencyEvent
		want      EmergencyState
		wantError bool
	}{
		{name: "broadcast after initiation", from: EmergencyInitiated, event: EmergencyEventBroadcast, want: EmergencyBroadcasting},
		{name: "cancel before broadcast", from: EmergencyInitiated, event: EmergencyEventCancel, want: EmergencyCancelled},
		{name: "first escalation", from: EmergencyBroadcasting, event: EmergencyEventEscalate, want: EmergencyEscalating},
		{name: "escalating re-enters", from: EmergencyEscalating, event: EmergencyEventEscalate, want: EmergencyEscalating},
		{name: "resolve while broadcasting", from: EmergencyBroadcasting, event: EmergencyEventResolve, want: EmergencyResolved},
		{name: "resolve while escalating", from: EmergencyEscalating, event: EmergencyEventResolve, want: EmergencyResolved},
		{name: "cancel while escalating", from: EmergencyEscalating, event: EmergencyEventCancel, want: EmergencyCancelled},

		{name: "resolve before broadcast rejected", from: EmergencyInitiated, event: EmergencyEventResolve, wantError: true},
		{name: "escalate before broadcast rejected", from: EmergencyInitiated, event: EmergencyEventEscalate, wantError: true},
		{name: "resolved is terminal", from: EmergencyResolved, event: EmergencyEventEscalate, wantError: true},
		{name: "cancelled is terminal", from: EmergencyCancelled, event: EmergencyEventBroadcast, wantError: true},
		{name: "double broadcast rejected", from: EmergencyBroadcasting, event: EmergencyEventBroadcast, wantError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextEmergencyState(tc.from, tc.event)
			if tc.wantError {
				assert.Error(t, err)
				assert.True(t, IsInvalidTransition(err))
				assert.Equal(t, tc.from, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestEmergencyStateTerminal(t *testing.T) {
	assert.True(t, EmergencyResolved.Terminal())
	assert.True(t, EmergencyCancelled.Terminal())
	assert.False(t, EmergencyBroadcasting.Terminal())
	assert.False(t, EmergencyEscalating.Terminal())
}

func TestCumulativeTrigger(t *testing.T) {
	ladder := []EscalationStep{
		{Level: 1, TriggerDelay: 5 * time.Minute},
		{Level: 2, TriggerDelay: 10 * time.Minute},
		{Level: 3, TriggerDelay: 15 * time.Minute},
	}

	// Level N fires at the sum of delays 1..N after initiation, not at its
	// own delay measured from the previous level's wall-clock firing.
	assert.Equal(t, 5*time.Minute, CumulativeTrigger(ladder, 1))
	assert.Equal(t, 15*time.Minute, CumulativeTrigger(ladder, 2))
	assert.Equal(t, 30*time.Minute, CumulativeTrigger(ladder, 3))
	assert.Equal(t, time.Duration(0), CumulativeTrigger(ladder, 0))
	assert.Equal(t, 30*time.Minute, CumulativeTrigger(ladder, 99), "levels past the ladder clamp to the full sum")
}

func TestDefaultEscalationLadderOrdered(t *testing.T) {
	ladder := DefaultEscalationLadder()
	require.NotEmpty(t, ladder)
	for i, step := range ladder {
		assert.Equal(t, i+1, step.Level, "ladder levels must be dense and ascending")
		assert.Positive(t, step.TriggerDelay)
	}
}
