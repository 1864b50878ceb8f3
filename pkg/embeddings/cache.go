package embeddings

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultCacheSize caps the cache when the caller passes a non-positive size.
const DefaultCacheSize = 256

// cacheEntry is one cached embedding with its expiry.
type cacheEntry struct {
	text    string
	vector  []float32
	expires time.Time
}

// cachingProvider decorates a Provider with a TTL-bounded LRU cache keyed by
// the input text. Voice sessions re-ask the same question in quick
// succession, so even a small cache removes a noticeable share of provider
// round trips.
type cachingProvider struct {
	inner Provider
	ttl   time.Duration
	size  int
	now   func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recently used
	byKey map[string]*list.Element
}

// Cached wraps p with a TTL cache holding at most size entries. A ttl of zero
// or less returns p unchanged.
func Cached(p Provider, ttl time.Duration, size int) Provider {
	if ttl <= 0 {
		return p
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &cachingProvider{
		inner: p,
		ttl:   ttl,
		size:  size,
		now:   time.Now,
		order: list.New(),
		byKey: make(map[string]*list.Element),
	}
}

func (c *cachingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	if el, ok := c.byKey[text]; ok {
		entry := el.Value.(*cacheEntry)
		if c.now().Before(entry.expires) {
			c.order.MoveToFront(el)
			vec := entry.vector
			c.mu.Unlock()
			return vec, nil
		}
		c.removeLocked(el)
	}
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if el, ok := c.byKey[text]; ok {
		// A concurrent Embed won the race; refresh its expiry.
		el.Value.(*cacheEntry).expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
	} else {
		for c.order.Len() >= c.size {
			c.removeLocked(c.order.Back())
		}
		el := c.order.PushFront(&cacheEntry{text: text, vector: vec, expires: c.now().Add(c.ttl)})
		c.byKey[text] = el
	}
	c.mu.Unlock()

	return vec, nil
}

func (c *cachingProvider) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	delete(c.byKey, entry.text)
	c.order.Remove(el)
}

func (c *cachingProvider) Dimensions() int { return c.inner.Dimensions() }
func (c *cachingProvider) ModelID() string { return c.inner.ModelID() }
