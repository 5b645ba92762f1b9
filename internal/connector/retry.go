package connector

import (
	"context"
	"time"
)

// RetryOptions controls OpenWithRetry. Zero values get sane defaults.
type RetryOptions struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 500ms, doubled per attempt
	MaxDelay    time.Duration // cap on the backoff delay, 0 = uncapped
}

// OpenWithRetry opens a connection through f with exponential backoff.
// Used at pool creation and scale-up, never on the acquire hot path.
func OpenWithRetry(ctx context.Context, f Factory, opts RetryOptions) (Handle, error) {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.BaseDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		var h Handle
		h, err = f.Open(ctx)
		if err == nil {
			return h, nil
		}

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay *= 2
			if opts.MaxDelay > 0 && delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}
	}
	return nil, err
}
