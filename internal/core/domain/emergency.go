package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmergencyType categorizes the incident being broadcast.
type EmergencyType string

const (
	EmergencyInfrastructure EmergencyType = "infrastructure"
	EmergencySafety         EmergencyType = "safety"
	EmergencyClosure        EmergencyType = "closure"
	EmergencyWeather        EmergencyType = "weather"
	EmergencyMedical        EmergencyType = "medical"
)

// EmergencySeverity grades the incident.
type EmergencySeverity string

const (
	SeverityLow      EmergencySeverity = "low"
	SeverityMedium   EmergencySeverity = "medium"
	SeverityHigh     EmergencySeverity = "high"
	SeverityCritical EmergencySeverity = "critical"
)

// EmergencyState is the broadcast engine lifecycle state.
type EmergencyState string

const (
	EmergencyInitiated    EmergencyState = "initiated"
	EmergencyBroadcasting EmergencyState = "broadcasting"
	EmergencyEscalating   EmergencyState = "escalating"
	EmergencyResolved     EmergencyState = "resolved"
	EmergencyCancelled    EmergencyState = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s EmergencyState) Terminal() bool {
	return s == EmergencyResolved || s == EmergencyCancelled
}

// EmergencyEvent is an input to the emergency state machine.
type EmergencyEvent string

const (
	EmergencyEventBroadcast EmergencyEvent = "broadcast"
	EmergencyEventEscalate  EmergencyEvent = "escalate"
	EmergencyEventResolve   EmergencyEvent = "resolve"
	EmergencyEventCancel    EmergencyEvent = "cancel"
)

var emergencyTransitions = map[EmergencyState]map[EmergencyEvent]EmergencyState{
	EmergencyInitiated: {
		EmergencyEventBroadcast: EmergencyBroadcasting,
		EmergencyEventCancel:    EmergencyCancelled,
	},
	EmergencyBroadcasting: {
		EmergencyEventEscalate: EmergencyEscalating,
		EmergencyEventResolve:  EmergencyResolved,
		EmergencyEventCancel:   EmergencyCancelled,
	},
	EmergencyEscalating: {
		EmergencyEventEscalate: EmergencyEscalating, // levels repeat until the ladder tops out
		EmergencyEventResolve:  EmergencyResolved,
		EmergencyEventCancel:   EmergencyCancelled,
	},
}

// NextEmergencyState applies one event to the emergency state machine. Total
// over all pairs; undefined pairs return InvalidTransitionError unchanged.
func NextEmergencyState(s EmergencyState, e EmergencyEvent) (EmergencyState, error) {
	if to, ok := emergencyTransitions[s][e]; ok {
		return to, nil
	}
	return s, &InvalidTransitionError{From: string(s), Event: string(e)}
}

// Emergency is one active incident. Recipient counts are snapshotted at
// broadcast time and never recomputed; acknowledgment counts move
// independently of delivery state.
type Emergency struct {
	ID              uuid.UUID         `json:"id"`
	Type            EmergencyType     `json:"type"`
	Severity        EmergencySeverity `json:"severity"`
	State           EmergencyState    `json:"state"`
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	StudentIDs      []uuid.UUID       `json:"student_ids,omitempty"` // empty means whole school
	InitiatorID     uuid.UUID         `json:"initiator_id"`
	EscalationLevel int               `json:"escalation_level"`
	RecipientsTotal int               `json:"recipients_total"` // eligible guardians at broadcast time
	SentCount       int               `json:"sent_count"`       // per-channel messages accepted by providers
	DeliveredCount  int               `json:"delivered_count"`
	AckedCount      int               `json:"acked_count"`  // guardians who confirmed
	PendingAcks     int               `json:"pending_acks"` // RecipientsTotal - AckedCount
	Version         int               `json:"version"`
	InitiatedAt     time.Time         `json:"initiated_at"`
	BroadcastAt     *time.Time        `json:"broadcast_at,omitempty"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewEmergency creates an incident in the initiated state.
func NewEmergency(id uuid.UUID, typ EmergencyType, severity EmergencySeverity, title, body string, studentIDs []uuid.UUID, initiatorID uuid.UUID) *Emergency {
	now := time.Now().UTC()
	return &Emergency{
		ID:          id,
		Type:        typ,
		Severity:    severity,
		State:       EmergencyInitiated,
		Title:       title,
		Body:        body,
		StudentIDs:  studentIDs,
		InitiatorID: initiatorID,
		Version:     1,
		InitiatedAt: now,
		UpdatedAt:   now,
	}
}

// EscalationStep is one level of the severity-response ladder. TriggerDelay
// is relative to the previous level; the absolute trigger time for level N is
// the cumulative sum of delays 1..N after initiation.
type EscalationStep struct {
	Level        int
	TriggerDelay time.Duration
	AddChannels  []Channel // channels force-added for non-acknowledged guardians
	ForceResend  bool      // resend to guardians who have not acknowledged
	Description  string
}

// DefaultEscalationLadder returns the built-in three-step ladder.
func DefaultEscalationLadder() []EscalationStep {
	return []EscalationStep{
		{Level: 1, TriggerDelay: 5 * time.Minute, AddChannels: []Channel{ChannelSMS}, ForceResend: false, Description: "add SMS for unacknowledged guardians"},
		{Level: 2, TriggerDelay: 10 * time.Minute, AddChannels: []Channel{ChannelEmail}, ForceResend: true, Description: "add email and resend to unacknowledged guardians"},
		{Level: 3, TriggerDelay: 15 * time.Minute, AddChannels: nil, ForceResend: true, Description: "repeat all channels for unacknowledged guardians"},
	}
}

// CumulativeTrigger returns the elapsed time since initiation at which level
// fires: the sum of trigger delays for levels 1..level. Zero when the level
// is outside the ladder.
func CumulativeTrigger(ladder []EscalationStep, level int) time.Duration {
	var sum time.Duration
	for _, step := range ladder {
		if step.Level > level {
			break
		}
		sum += step.TriggerDelay
	}
	return sum
}

// AckMethod records how a guardian confirmed an emergency.
type AckMethod string

const (
	AckMethodSMSReply    AckMethod = "sms_reply"
	AckMethodAppTap      AckMethod = "app_tap"
	AckMethodPortalClick AckMethod = "portal_click"
	AckMethodVoice       AckMethod = "voice"
)

// Acknowledgment is one guardian's confirmation of an emergency. Append-only.
type Acknowledgment struct {
	ID          uuid.UUID `json:"id"`
	EmergencyID uuid.UUID `json:"emergency_id"`
	GuardianID  uuid.UUID `json:"guardian_id"`
	Channel     Channel   `json:"channel"`
	Method      AckMethod `json:"method"`
	ReceivedAt  time.Time `json:"received_at"`
}
