package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUpstreamTimeout is returned when a model or tool call outlives its
// configured timeout.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// upstreamErr maps a deadline set by withTimeout to ErrUpstreamTimeout.
// A deadline or cancellation inherited from parent passes through.
func upstreamErr(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
