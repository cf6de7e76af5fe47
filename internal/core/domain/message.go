package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageCategory enumerates the kinds of guardian notifications.
type MessageCategory string

const (
	CategoryAttendance     MessageCategory = "attendance"
	CategoryLearningUpdate MessageCategory = "learning_update"
	CategoryAnnouncement   MessageCategory = "announcement"
	CategoryFeeStatus      MessageCategory = "fee_status"
	CategoryEmergency      MessageCategory = "emergency_notice"
)

// KnownCategories lists every valid category, in display order.
var KnownCategories = []MessageCategory{
	CategoryAttendance,
	CategoryLearningUpdate,
	CategoryAnnouncement,
	CategoryFeeStatus,
	CategoryEmergency,
}

// Valid reports whether c is a known category.
func (c MessageCategory) Valid() bool {
	for _, k := range KnownCategories {
		if c == k {
			return true
		}
	}
	return false
}

// Channel is one communication medium with its own delivery semantics.
// Rank order is fixed per category; push is the richest, email the slowest.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// MessagePriority selects the retry policy and the offline replay order.
type MessagePriority string

const (
	PriorityNormal    MessagePriority = "normal"
	PriorityHigh      MessagePriority = "high"
	PriorityEmergency MessagePriority = "emergency"
)

// Weight orders priorities for the offline queue; higher replays first.
func (p MessagePriority) Weight() int {
	switch p {
	case PriorityEmergency:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// RetryPolicy bounds attempts and backoff growth for one priority.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// RetryPolicyFor returns the per-priority retry configuration. base and max
// come from deployment config; emergency sends retry harder and sooner.
func RetryPolicyFor(p MessagePriority, base, max time.Duration) RetryPolicy {
	switch p {
	case PriorityEmergency:
		return RetryPolicy{MaxAttempts: 6, BaseBackoff: base / 3, MaxBackoff: max / 2}
	case PriorityHigh:
		return RetryPolicy{MaxAttempts: 4, BaseBackoff: base / 2, MaxBackoff: max}
	default:
		return RetryPolicy{MaxAttempts: 3, BaseBackoff: base, MaxBackoff: max}
	}
}

// MessageState is the delivery lifecycle state of one outbound message.
type MessageState string

const (
	StateIdle      MessageState = "idle"      // created, not yet released to the queue
	StateQueued    MessageState = "queued"    // waiting for the processor (may carry a future NextAttemptAt)
	StateSending   MessageState = "sending"   // claimed by a worker, one attempt in flight
	StateSent      MessageState = "sent"      // provider accepted, awaiting delivery receipt
	StateDelivered MessageState = "delivered" // delivery confirmed
	StateFailed    MessageState = "failed"    // last attempt failed, fallback decision pending
	StateExhausted MessageState = "exhausted" // all ranked channels failed; manual retry only
	StateCancelled MessageState = "cancelled" // recalled before any irreversible send
)

// Terminal reports whether no automatic transition leaves s.
func (s MessageState) Terminal() bool {
	switch s {
	case StateDelivered, StateExhausted, StateCancelled:
		return true
	}
	return false
}

// DeliveryEvent is an input to the delivery state machine.
type DeliveryEvent string

const (
	EventEnqueue     DeliveryEvent = "enqueue"
	EventClaim       DeliveryEvent = "claim"
	EventAccept      DeliveryEvent = "accept"  // provider accepted the message
	EventDeliver     DeliveryEvent = "deliver" // delivery confirmed (receipt or synchronous channel)
	EventFail        DeliveryEvent = "fail"
	EventFallback    DeliveryEvent = "fallback" // requeue on the next ranked channel
	EventExhaust     DeliveryEvent = "exhaust"
	EventCancel      DeliveryEvent = "cancel"
	EventManualRetry DeliveryEvent = "manual_retry"
)

var deliveryTransitions = map[MessageState]map[DeliveryEvent]MessageState{
	StateIdle: {
		EventEnqueue: StateQueued,
		EventCancel:  StateCancelled,
	},
	StateQueued: {
		EventClaim:       StateSending,
		EventCancel:      StateCancelled,
		EventManualRetry: StateQueued,
	},
	StateSending: {
		EventAccept:  StateSent,
		EventDeliver: StateDelivered, // channels without async receipts confirm inline
		EventFail:    StateFailed,
	},
	StateSent: {
		EventDeliver: StateDelivered,
	},
	StateFailed: {
		EventFallback:    StateQueued,
		EventExhaust:     StateExhausted,
		EventManualRetry: StateQueued,
	},
	StateExhausted: {
		EventManualRetry: StateQueued,
	},
}

// NextMessageState applies one event to the delivery state machine. The
// function is total: any pair outside the table returns InvalidTransitionError
// and the unchanged state.
func NextMessageState(s MessageState, e DeliveryEvent) (MessageState, error) {
	if to, ok := deliveryTransitions[s][e]; ok {
		return to, nil
	}
	return s, &InvalidTransitionError{From: string(s), Event: string(e)}
}

// Message is one outbound communication intent. Mutated only by the delivery
// machine and by explicit recall/retry operations; terminalized, never deleted.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	Category       MessageCategory `json:"category"`
	Priority       MessagePriority `json:"priority"`
	StudentID      uuid.UUID       `json:"student_id"`
	GuardianID     uuid.UUID       `json:"guardian_id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	EmergencyID    *uuid.UUID      `json:"emergency_id,omitempty"` // set on emergency fan-out messages
	Subject        string          `json:"subject"`
	Body           string          `json:"body"`
	State          MessageState    `json:"state"`
	Channel        Channel         `json:"channel"`      // channel of the current or last attempt
	ChannelRank    []Channel       `json:"channel_rank"` // fallback order snapshotted at enqueue
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Locked         bool            `json:"locked"` // true once irreversibly handed to a provider
	ErrorCode      *string         `json:"error_code,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

// NewMessage creates a message in the idle state on the given channel rank.
// The first rank becomes the active channel.
func NewMessage(id uuid.UUID, category MessageCategory, priority MessagePriority, studentID, guardianID, senderID uuid.UUID, subject, body string, rank []Channel, idempotencyKey string) *Message {
	now := time.Now().UTC()
	m := &Message{
		ID:             id,
		Category:       category,
		Priority:       priority,
		StudentID:      studentID,
		GuardianID:     guardianID,
		SenderID:       senderID,
		Subject:        subject,
		Body:           body,
		State:          StateIdle,
		ChannelRank:    rank,
		AttemptCount:   0,
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(rank) > 0 {
		m.Channel = rank[0]
	}
	return m
}

// NextChannel returns the highest-ranked channel not yet attempted, walking
// the rank snapshot past the current channel. ok is false when the rank is
// exhausted.
func (m *Message) NextChannel() (Channel, bool) {
	for i, ch := range m.ChannelRank {
		if ch == m.Channel {
			if i+1 < len(m.ChannelRank) {
				return m.ChannelRank[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// CanRecall reports whether a recall is still permitted: the message must not
// be locked, must still be idle or queued, and must be younger than the recall
// window. The reason explains the first failing condition.
func (m *Message) CanRecall(now time.Time, window time.Duration) (bool, string) {
	if m.Locked {
		return false, "message already handed to a provider"
	}
	switch m.State {
	case StateIdle, StateQueued:
	default:
		return false, "message is " + string(m.State) + ", cannot recall"
	}
	if now.Sub(m.CreatedAt) > window {
		return false, "recall window elapsed"
	}
	return true, ""
}

// DeliveryAttempt is one channel try for one message. Append-only and owned
// by the message it belongs to.
type DeliveryAttempt struct {
	ID            uuid.UUID  `json:"id"`
	MessageID     uuid.UUID  `json:"message_id"`
	Channel       Channel    `json:"channel"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Succeeded     bool       `json:"succeeded"`
	ErrorCode     *string    `json:"error_code,omitempty"`
	LatencyMillis int64      `json:"latency_millis"`
}
