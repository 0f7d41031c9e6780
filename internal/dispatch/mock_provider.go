package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a test implementation of Provider.
type MockProvider struct {
	logger *slog.Logger

	FailSend       bool          // simulate a provider failure
	SimulatedDelay time.Duration // simulate network latency
}

// NewMockProvider creates a MockProvider.
func NewMockProvider(logger *slog.Logger, failSend bool, delay time.Duration) *MockProvider {
	return &MockProvider{
		logger:         logger.With("provider", "mock"),
		FailSend:       failSend,
		SimulatedDelay: delay,
	}
}

// Send simulates a synchronous provider call.
func (p *MockProvider) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	p.logger.InfoContext(ctx, "MockProvider: Send called",
		"recipient", req.Recipient, "content_length", len(req.Content))

	if p.SimulatedDelay > 0 {
		time.Sleep(p.SimulatedDelay)
	}

	if p.FailSend {
		p.logger.WarnContext(ctx, "MockProvider: simulated send failure", "recipient", req.Recipient)
		return &SendResponse{
			Success:        false,
			ProviderStatus: "FAILED_MOCK",
			ErrorMessage:   "mock provider simulated send failure",
		}, errors.New("mock provider simulated send failure")
	}

	providerMsgID := "mock-" + uuid.NewString()
	return &SendResponse{
		ProviderMessageID: providerMsgID,
		Success:           true,
		ProviderStatus:    "SENT_MOCK_OK",
	}, nil
}

// Name identifies the provider.
func (p *MockProvider) Name() string { return "mock" }
