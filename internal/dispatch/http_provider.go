package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPProvider sends messages through a provider's JSON-over-HTTP API.
type HTTPProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
	apiKey     string
	senderID   string
}

// NewHTTPProvider creates an HTTPProvider. A nil httpClient gets a default
// with a 10 second timeout.
func NewHTTPProvider(logger *slog.Logger, apiURL, apiKey, senderID string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{
		logger:     logger.With("provider", "http"),
		httpClient: httpClient,
		apiURL:     apiURL,
		apiKey:     apiKey,
		senderID:   senderID,
	}
}

type httpSendRequestBody struct {
	Sender string `json:"sender"`
	To     string `json:"to"`
	Text   string `json:"text"`
}

type httpSendResponseBody struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Send posts the message and maps the HTTP outcome to a SendResponse. Any
// non-2xx status is a failure.
func (p *HTTPProvider) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	reqBytes, err := json.Marshal(httpSendRequestBody{
		Sender: p.senderID,
		To:     req.Recipient,
		Text:   req.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	p.logger.DebugContext(ctx, "Sending request to provider", "url", p.apiURL, "recipient", req.Recipient)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.ErrorContext(ctx, "Provider request failed", "error", err, "recipient", req.Recipient)
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider request failed (status %d) and response body unreadable: %w", httpResp.StatusCode, err)
	}

	var respBody httpSendResponseBody
	parsed := json.Unmarshal(respBytes, &respBody) == nil

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		providerMsgID := ""
		if parsed {
			providerMsgID = respBody.ID
		}
		p.logger.InfoContext(ctx, "Provider accepted message",
			"status_code", httpResp.StatusCode, "provider_message_id", providerMsgID, "recipient", req.Recipient)
		return &SendResponse{
			ProviderMessageID: providerMsgID,
			Success:           true,
			ProviderStatus:    fmt.Sprintf("SENT_%d", httpResp.StatusCode),
		}, nil
	}

	errMsg := fmt.Sprintf("provider error: status %d", httpResp.StatusCode)
	if parsed && respBody.Message != "" {
		errMsg = fmt.Sprintf("provider error: status %d, message: %s", httpResp.StatusCode, respBody.Message)
	}
	p.logger.WarnContext(ctx, "Provider rejected message",
		"status_code", httpResp.StatusCode, "recipient", req.Recipient, "error_message", errMsg)
	return &SendResponse{
		Success:        false,
		ProviderStatus: fmt.Sprintf("FAILED_%d", httpResp.StatusCode),
		ErrorMessage:   errMsg,
	}, fmt.Errorf("%s", errMsg)
}

// Name identifies the provider, e.g. for map keys and metrics labels.
func (p *HTTPProvider) Name() string { return "http" }
