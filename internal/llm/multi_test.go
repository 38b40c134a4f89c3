package llm

import (
	"context"
	"errors"
	"testing"
)

type namedClient struct{ name string }

func (n namedClient) Chat(context.Context, string, []Message, []Tool) (*ChatResponse, error) {
	return &ChatResponse{Message: Message{Content: n.name}}, nil
}

func (n namedClient) ChatStream(ctx context.Context, model string, msgs []Message, tools []Tool, _ StreamCallback) (*ChatResponse, error) {
	return n.Chat(ctx, model, msgs, tools)
}

func (namedClient) Ping(context.Context) error { return nil }

func TestMultiClientRouting(t *testing.T) {
	m := NewMultiClient(namedClient{"anthropic"})
	m.AddProvider("azure", namedClient{"azure"})
	m.AddModel("gpt-4o", "azure")

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "azure"},
		{"claude-sonnet-4-20250514", "anthropic"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Message.Content != tt.want {
			t.Errorf("model %q routed to %q, want %q", tt.model, resp.Message.Content, tt.want)
		}
	}
}

func TestMultiClientNoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "unknown", nil, nil); err == nil {
		t.Fatal("expected error with no provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error with no fallback")
	}
}

func TestUnconfigured(t *testing.T) {
	_, err := Unconfigured{}.Chat(context.Background(), "m", nil, nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}
