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

// SMSSender submits text messages to the SMS gateway over HTTP. Subjects are
// folded into the body since SMS has no subject line.
type SMSSender struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewSMSSender(logger *slog.Logger, apiURL, apiKey string, httpClient *http.Client) *SMSSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSSender{
		logger:     logger.With("sender", "sms"),
		httpClient: httpClient,
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

type smsGatewayRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	Reference string `json:"reference"`
}

type smsGatewayResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

func (s *SMSSender) Channel() domain.Channel { return domain.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	s.logger.InfoContext(ctx, "Submitting SMS", "message_id", req.MessageID)

	text := req.Body
	if req.Subject != "" {
		text = req.Subject + "\n" + req.Body
	}
	reqBytes, err := json.Marshal(smsGatewayRequest{
		To:        req.Address,
		Text:      text,
		Reference: req.MessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SMS gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create SMS gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.ErrorContext(ctx, "SMS gateway request failed", "error", err, "message_id", req.MessageID)
		return nil, fmt.Errorf("failed to reach SMS gateway: %w", err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &SendResult{
			ProviderStatus: fmt.Sprintf("SMS_READ_ERR_%d", httpResp.StatusCode),
			ErrorMessage:   fmt.Sprintf("SMS gateway responded %d but body read failed: %v", httpResp.StatusCode, err),
		}, fmt.Errorf("SMS gateway response read failed (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		var resp smsGatewayResponse
		if err := json.Unmarshal(respBytes, &resp); err != nil {
			s.logger.WarnContext(ctx, "SMS accepted but response unparseable", "status_code", httpResp.StatusCode, "message_id", req.MessageID)
			return &SendResult{Accepted: true, ProviderStatus: fmt.Sprintf("SMS_ACCEPTED_%d_UNPARSED", httpResp.StatusCode)}, nil
		}
		s.logger.InfoContext(ctx, "SMS accepted by gateway", "provider_message_id", resp.MessageID, "message_id", req.MessageID)
		return &SendResult{
			ProviderMessageID: resp.MessageID,
			Accepted:          true,
			ProviderStatus:    fmt.Sprintf("SMS_ACCEPTED_%d", httpResp.StatusCode),
		}, nil
	}

	errMsg := fmt.Sprintf("SMS gateway error: status %d", httpResp.StatusCode)
	var resp smsGatewayResponse
	if err := json.Unmarshal(respBytes, &resp); err == nil && resp.Message != "" {
		errMsg = fmt.Sprintf("SMS gateway error: status %d, message: %s", httpResp.StatusCode, resp.Message)
	}
	s.logger.WarnContext(ctx, "SMS submission rejected", "status_code", httpResp.StatusCode, "message_id", req.MessageID, "error", errMsg)
	return &SendResult{
		ProviderStatus: fmt.Sprintf("SMS_REJECTED_%d", httpResp.StatusCode),
		ErrorMessage:   errMsg,
	}, fmt.Errorf("%s", errMsg)
}
