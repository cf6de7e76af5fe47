package notifier

import "github.com/classping/notify/internal/core/domain"

// Status wording per role. The stored state is identical for everyone; only
// the label differs, and only here. Teachers get reassuring language because
// a teacher can do nothing about a stuck message; admins get actionable
// wording because they own the retry/cancel controls.
var (
	teacherLabels = map[domain.MessageState]string{
		domain.StateIdle:      "draft",
		domain.StateQueued:    "sending soon",
		domain.StateSending:   "sending",
		domain.StateSent:      "sent",
		domain.StateDelivered: "delivered",
		domain.StateFailed:    "pending delivery",
		domain.StateExhausted: "pending delivery",
		domain.StateCancelled: "recalled",
	}
	adminLabels = map[domain.MessageState]string{
		domain.StateIdle:      "draft",
		domain.StateQueued:    "queued",
		domain.StateSending:   "sending",
		domain.StateSent:      "sent, awaiting receipt",
		domain.StateDelivered: "delivered",
		domain.StateFailed:    "attempt failed, fallback pending",
		domain.StateExhausted: "requires attention",
		domain.StateCancelled: "cancelled",
	}
)

// StatusLabel maps a delivery state to the wording the actor's role should
// see. Unknown states fall back to the raw state string rather than hiding
// the message.
func StatusLabel(state domain.MessageState, role domain.Role) string {
	labels := teacherLabels
	if role == domain.RoleAdmin || role == domain.RoleSystem {
		labels = adminLabels
	}
	if label, ok := labels[state]; ok {
		return label
	}
	return string(state)
}
