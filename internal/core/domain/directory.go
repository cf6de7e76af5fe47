package domain

import "github.com/google/uuid"

// Guardian is a parent or contact person receiving notifications.
type Guardian struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
}

// ChannelAddresses holds one guardian's reachable endpoints per channel.
// An empty field means the guardian does not possess that channel.
type ChannelAddresses struct {
	PushToken   string `json:"push_token,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
}

// AddressFor returns the endpoint for ch, empty when not possessed.
func (a ChannelAddresses) AddressFor(ch Channel) string {
	switch ch {
	case ChannelPush:
		return a.PushToken
	case ChannelSMS:
		return a.PhoneNumber
	case ChannelEmail:
		return a.Email
	}
	return ""
}

// GuardianLink ties one guardian to one student with per-link delivery flags.
type GuardianLink struct {
	GuardianID           uuid.UUID        `json:"guardian_id"`
	StudentID            uuid.UUID        `json:"student_id"`
	Primary              bool             `json:"primary"`
	EligibleForEmergency bool             `json:"eligible_for_emergency"`
	Addresses            ChannelAddresses `json:"addresses"`
}

// PossessedChannels returns the channels the guardian can be reached on,
// filtered to the given rank order so callers keep a stable fallback order.
func (l GuardianLink) PossessedChannels(rank []Channel) []Channel {
	var out []Channel
	for _, ch := range rank {
		if l.Addresses.AddressFor(ch) != "" {
			out = append(out, ch)
		}
	}
	return out
}
