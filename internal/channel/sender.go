// Package channel holds the outbound provider adapters, one per
// communication medium. Adapters are opaque to the delivery machine: they
// accept a send request and report acceptance or failure, nothing more.
package channel

import (
	"context"
	"fmt"

	"github.com/classping/notify/internal/core/domain"
)

// SendRequest carries everything an adapter needs for one channel attempt.
type SendRequest struct {
	MessageID string // internal message ID, passed through for provider-side correlation
	Address   string // push token, phone number, or email address depending on the channel
	Subject   string
	Body      string
}

// SendResult is the outcome of one provider submission.
//
// Accepted means the provider took the message; channels with asynchronous
// delivery receipts confirm later. Delivered means the channel confirmed
// delivery inline (SMTP acceptance), so no receipt will follow.
type SendResult struct {
	ProviderMessageID string
	Accepted          bool
	Delivered         bool
	ProviderStatus    string
	ErrorMessage      string
}

// Sender is one channel provider adapter.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	Channel() domain.Channel
}

// Registry maps channels to their configured senders.
type Registry struct {
	senders map[domain.Channel]Sender
}

// NewRegistry builds a registry from the given senders. Later senders for the
// same channel replace earlier ones.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[domain.Channel]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

// SenderFor returns the adapter for ch, or an error when the channel has no
// configured provider.
func (r *Registry) SenderFor(ch domain.Channel) (Sender, error) {
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("no sender configured for channel %q", ch)
	}
	return s, nil
}

// Channels lists the channels with a configured sender.
func (r *Registry) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}
