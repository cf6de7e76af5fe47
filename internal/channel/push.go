package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/classping/notify/internal/core/domain"
)

// PushSender submits rich app notifications to the push gateway over HTTP.
type PushSender struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewPushSender(logger *slog.Logger, apiURL, apiKey string, httpClient *http.Client) *PushSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &PushSender{
		logger:     logger.With("sender", "push"),
		httpClient: httpClient,
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

// pushGatewayRequest is the gateway's send payload.
type pushGatewayRequest struct {
	Token     string `json:"token"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Reference string `json:"reference"` // echoed back in the delivery receipt
}

type pushGatewayResponse struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

func (s *PushSender) Channel() domain.Channel { return domain.ChannelPush }

func (s *PushSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	s.logger.InfoContext(ctx, "Submitting push notification", "message_id", req.MessageID)

	reqBytes, err := json.Marshal(pushGatewayRequest{
		Token:     req.Address,
		Title:     req.Subject,
		Body:      req.Body,
		Reference: req.MessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create push gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.ErrorContext(ctx, "Push gateway request failed", "error", err, "message_id", req.MessageID)
		return nil, fmt.Errorf("failed to reach push gateway: %w", err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &SendResult{
			ProviderStatus: fmt.Sprintf("PUSH_READ_ERR_%d", httpResp.StatusCode),
			ErrorMessage:   fmt.Sprintf("push gateway responded %d but body read failed: %v", httpResp.StatusCode, err),
		}, fmt.Errorf("push gateway response read failed (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		var resp pushGatewayResponse
		if err := json.Unmarshal(respBytes, &resp); err != nil {
			s.logger.WarnContext(ctx, "Push accepted but response unparseable", "status_code", httpResp.StatusCode, "message_id", req.MessageID)
			return &SendResult{Accepted: true, ProviderStatus: fmt.Sprintf("PUSH_ACCEPTED_%d_UNPARSED", httpResp.StatusCode)}, nil
		}
		s.logger.InfoContext(ctx, "Push notification accepted", "provider_notification_id", resp.NotificationID, "message_id", req.MessageID)
		return &SendResult{
			ProviderMessageID: resp.NotificationID,
			Accepted:          true,
			ProviderStatus:    fmt.Sprintf("PUSH_ACCEPTED_%d", httpResp.StatusCode),
		}, nil
	}

	errMsg := fmt.Sprintf("push gateway error: status %d", httpResp.StatusCode)
	var resp pushGatewayResponse
	if err := json.Unmarshal(respBytes, &resp); err == nil && resp.Message != "" {
		errMsg = fmt.Sprintf("push gateway error: status %d, message: %s", httpResp.StatusCode, resp.Message)
	}
	s.logger.WarnContext(ctx, "Push submission rejected", "status_code", httpResp.StatusCode, "message_id", req.MessageID, "error", errMsg)
	return &SendResult{
		ProviderStatus: fmt.Sprintf("PUSH_REJECTED_%d", httpResp.StatusCode),
		ErrorMessage:   errMsg,
	}, fmt.Errorf("%s", errMsg)
}
