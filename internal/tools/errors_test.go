package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", &ErrToolUnavailable{ToolName: "launch_rocket"})

	want := `dispatch: tool "launch_rocket" is not available`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	var target *ErrToolUnavailable
	if !errors.As(err, &target) || target.ToolName != "launch_rocket" {
		t.Fatalf("errors.As did not recover the tool name: %v", target)
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	inner := errors.New("missing properties: [\"name\"]")
	err := &ValidationError{Tool: "create_project", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("ValidationError should unwrap to its cause")
	}
	if got := err.Error(); got != `invalid arguments for create_project: missing properties: ["name"]` {
		t.Errorf("Error() = %q", got)
	}
}
