package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetryAttempts is the total number of Embed attempts, the first
	// call included.
	DefaultRetryAttempts = 3

	// DefaultRetryBaseDelay is the wait before the first retry; it doubles
	// on each subsequent one.
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// retryingProvider decorates a Provider with bounded exponential-backoff
// retries. Embedding APIs fail transiently often enough that a retrieval
// request should not give up on the first error.
type retryingProvider struct {
	inner     Provider
	attempts  int
	baseDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// WithRetries wraps p so that Embed retries up to attempts total tries with
// exponential backoff starting at baseDelay. Non-positive values select the
// package defaults. Context cancellation stops the retry loop immediately.
func WithRetries(p Provider, attempts int, baseDelay time.Duration) Provider {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	return &retryingProvider{
		inner:     p,
		attempts:  attempts,
		baseDelay: baseDelay,
		sleep:     sleepCtx,
	}
}

func (r *retryingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := r.baseDelay

	for attempt := 1; attempt <= r.attempts; attempt++ {
		vec, err := r.inner.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == r.attempts {
			break
		}
		slog.Warn("embeddings: embed failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
		delay *= 2
	}
	return nil, fmt.Errorf("embeddings: embed after %d attempts: %w", r.attempts, lastErr)
}

func (r *retryingProvider) Dimensions() int { return r.inner.Dimensions() }
func (r *retryingProvider) ModelID() string { return r.inner.ModelID() }

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
