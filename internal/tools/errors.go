package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not
// registered. Models should only request advertised tools, so this
// points at a caller defect rather than a transient failure.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ValidationError reports arguments that do not conform to the tool's
// advertised input schema. The handler is not invoked.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
