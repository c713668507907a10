package llm

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds how a failed completion is retried.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first failure.
	MaxRetries int

	// Backoff is the wait before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// retryingClient decorates a Client with bounded exponential backoff.
// Context cancellation aborts both the in-flight request and the wait.
type retryingClient struct {
	inner  Client
	policy RetryPolicy
}

// WithRetry wraps client so transient provider failures are retried before
// surfacing to the session.
func WithRetry(client Client, policy RetryPolicy) Client {
	if policy.Backoff <= 0 {
		policy.Backoff = time.Second
	}
	return &retryingClient{inner: client, policy: policy}
}

func (r *retryingClient) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	var lastErr error
	backoff := r.policy.Backoff

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		completion, err := r.inner.Complete(ctx, messages)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		// A cancelled context will not recover on retry.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("completion failed after %d attempts: %w", r.policy.MaxRetries+1, lastErr)
}
