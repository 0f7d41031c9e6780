package dispatch

import (
	"context"
)

// SendRequest carries one outbound message to a direct provider.
type SendRequest struct {
	InternalMessageID string
	Recipient         string
	Content           string
}

// SendResponse is what a direct provider reports back synchronously.
type SendResponse struct {
	ProviderMessageID string
	Success           bool
	ProviderStatus    string
	ErrorMessage      string
}

// Provider is a direct synchronous message provider, the alternative to
// the broker-backed transport path.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
	Name() string
}
