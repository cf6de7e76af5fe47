package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

// MockSender is a test implementation of Sender. FailSend and ConfirmInline
// control the scripted outcome; Sent records every request in order.
type MockSender struct {
	mu sync.Mutex

	logger         *slog.Logger
	channel        domain.Channel
	FailSend       bool
	ConfirmInline  bool          // report Delivered instead of just Accepted
	SimulatedDelay time.Duration // simulated provider latency
	Sent           []SendRequest
}

func NewMockSender(logger *slog.Logger, ch domain.Channel) *MockSender {
	return &MockSender{
		logger:  logger.With("sender", "mock", "channel", string(ch)),
		channel: ch,
	}
}

func (m *MockSender) Channel() domain.Channel { return m.channel }

// SentCount returns how many sends the mock has observed.
func (m *MockSender) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

func (m *MockSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if m.SimulatedDelay > 0 {
		select {
		case <-time.After(m.SimulatedDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.Sent = append(m.Sent, req)
	fail := m.FailSend
	inline := m.ConfirmInline
	m.mu.Unlock()

	if fail {
		errMsg := fmt.Sprintf("mock %s provider simulated failure", m.channel)
		m.logger.WarnContext(ctx, errMsg, "message_id", req.MessageID)
		return &SendResult{
			ProviderStatus: "FAILED_MOCK",
			ErrorMessage:   errMsg,
		}, fmt.Errorf("%s", errMsg)
	}

	m.logger.InfoContext(ctx, "Mock send succeeded", "message_id", req.MessageID)
	return &SendResult{
		ProviderMessageID: "mock-" + uuid.NewString(),
		Accepted:          true,
		Delivered:         inline,
		ProviderStatus:    "SENT_MOCK_OK",
	}, nil
}
