package llm

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by [Unconfigured] for every request.
var ErrNotConfigured = errors.New("model credentials not configured")

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends a buffered request. A nil tools slice sends none.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error)

	// ChatStream sends a streaming request, delivering events to callback
	// as they arrive, and returns the assembled response.
	ChatStream(ctx context.Context, model string, messages []Message, tools []Tool, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Unconfigured is the client installed when no provider has credentials.
// The server still starts; chat requests fail with ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Chat(context.Context, string, []Message, []Tool) (*ChatResponse, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) ChatStream(context.Context, string, []Message, []Tool, StreamCallback) (*ChatResponse, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) Ping(context.Context) error { return ErrNotConfigured }
