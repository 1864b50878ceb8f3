package embeddings_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/embeddings"
)

// countingProvider counts Embed calls and serves deterministic vectors,
// failing the first failUntil calls.
type countingProvider struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (p *countingProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failUntil {
		return nil, fmt.Errorf("transient failure %d", p.calls)
	}
	return []float32{float32(len(text))}, nil
}

func (p *countingProvider) Dimensions() int { return 1 }
func (p *countingProvider) ModelID() string { return "counting-test-model" }

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestCached_HitSkipsInner(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{}
	p := embeddings.Cached(inner, time.Minute, 8)
	ctx := context.Background()

	v1, err := p.Embed(ctx, "what is the refund policy")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := p.Embed(ctx, "what is the refund policy")
	if err != nil {
		t.Fatalf("Embed (cached): %v", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("inner called %d times, want 1", inner.callCount())
	}
	if len(v1) != 1 || len(v2) != 1 || v1[0] != v2[0] {
		t.Errorf("cached vector differs: %v vs %v", v1, v2)
	}
}

func TestCached_DistinctKeys(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{}
	p := embeddings.Cached(inner, time.Minute, 8)
	ctx := context.Background()

	p.Embed(ctx, "a")
	p.Embed(ctx, "b")
	p.Embed(ctx, "a")

	if inner.callCount() != 2 {
		t.Errorf("inner called %d times, want 2", inner.callCount())
	}
}

func TestCached_SizeBoundEvicts(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{}
	p := embeddings.Cached(inner, time.Minute, 2)
	ctx := context.Background()

	p.Embed(ctx, "a")
	p.Embed(ctx, "b")
	p.Embed(ctx, "c") // evicts "a"
	p.Embed(ctx, "a") // must go to the inner provider again

	if inner.callCount() != 4 {
		t.Errorf("inner called %d times, want 4", inner.callCount())
	}
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{failUntil: 1}
	p := embeddings.Cached(inner, time.Minute, 8)
	ctx := context.Background()

	if _, err := p.Embed(ctx, "q"); err == nil {
		t.Fatal("first Embed should fail")
	}
	if _, err := p.Embed(ctx, "q"); err != nil {
		t.Fatalf("second Embed should recover: %v", err)
	}
	if inner.callCount() != 2 {
		t.Errorf("inner called %d times, want 2", inner.callCount())
	}
}

func TestCached_ZeroTTLDisablesCache(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{}
	p := embeddings.Cached(inner, 0, 8)
	ctx := context.Background()

	p.Embed(ctx, "q")
	p.Embed(ctx, "q")

	if inner.callCount() != 2 {
		t.Errorf("inner called %d times, want 2 with caching disabled", inner.callCount())
	}
}

func TestWithRetries_RecoversFromTransientFailures(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{failUntil: 2}
	p := embeddings.WithRetries(inner, 3, time.Millisecond)

	vec, err := p.Embed(context.Background(), "q")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 1 {
		t.Errorf("vec = %v", vec)
	}
	if inner.callCount() != 3 {
		t.Errorf("inner called %d times, want 3", inner.callCount())
	}
}

func TestWithRetries_GivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{failUntil: 100}
	p := embeddings.WithRetries(inner, 3, time.Millisecond)

	if _, err := p.Embed(context.Background(), "q"); err == nil {
		t.Fatal("Embed should fail after exhausting retries")
	}
	if inner.callCount() != 3 {
		t.Errorf("inner called %d times, want 3", inner.callCount())
	}
}

func TestWithRetries_ContextCancelStopsRetrying(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{failUntil: 100}
	p := embeddings.WithRetries(inner, 5, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Embed(ctx, "q"); err == nil {
		t.Fatal("Embed with cancelled context should fail")
	}
	if got := inner.callCount(); got > 1 {
		t.Errorf("inner called %d times after cancel, want at most 1", got)
	}
}

func TestDecorators_PassThroughMetadata(t *testing.T) {
	t.Parallel()

	inner := &countingProvider{}
	wrapped := embeddings.WithRetries(embeddings.Cached(inner, time.Minute, 8), 3, time.Millisecond)

	if wrapped.Dimensions() != 1 {
		t.Errorf("Dimensions = %d", wrapped.Dimensions())
	}
	if wrapped.ModelID() != "counting-test-model" {
		t.Errorf("ModelID = %q", wrapped.ModelID())
	}
}

var errSentinel = errors.New("sentinel")

// errProvider always fails with a wrapped sentinel so tests can assert
// error propagation through the retry wrapper.
type errProvider struct{}

func (errProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("call: %w", errSentinel)
}
func (errProvider) Dimensions() int { return 1 }
func (errProvider) ModelID() string { return "err" }

func TestWithRetries_PreservesCause(t *testing.T) {
	t.Parallel()

	p := embeddings.WithRetries(errProvider{}, 2, time.Millisecond)
	_, err := p.Embed(context.Background(), "q")
	if !errors.Is(err, errSentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
}
