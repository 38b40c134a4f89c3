package tools

import (
	"context"
	"testing"
)

func TestConversationIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"default when unset", context.Background(), "default"},
		{"round trip", WithConversationID(context.Background(), "conv-123"), "conv-123"},
		{"empty string returns default", WithConversationID(context.Background(), ""), "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConversationIDFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("ConversationIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("unset user id = %q, want empty", got)
	}
	if got := UserIDFromContext(WithUserID(context.Background(), "alice")); got != "alice" {
		t.Errorf("user id = %q, want alice", got)
	}
}
