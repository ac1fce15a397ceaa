package loadcache

import (
	"context"
	"sync"
	"time"

	"github.com/tOgg1/scanfleet/internal/models"
)

// MemoryCache is an in-process Cache for single-host controllers and tests.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	samples map[int64]models.LoadSample
	locks   map[string]time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewMemoryCache creates an empty cache whose samples live for ttl.
func NewMemoryCache(ttl time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		samples: make(map[int64]models.LoadSample),
		locks:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores a copy of sample stamped with the current time.
func (c *MemoryCache) Put(_ context.Context, sample *models.LoadSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *sample
	stored.Timestamp = c.now()
	c.samples[sample.NodeID] = stored
	return nil
}

// Get returns the live sample for nodeID.
func (c *MemoryCache) Get(_ context.Context, nodeID int64) (*models.LoadSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sample, ok := c.live(nodeID)
	if !ok {
		return nil, ErrNotFound
	}
	return sample, nil
}

// GetMany returns live samples for nodeIDs.
func (c *MemoryCache) GetMany(_ context.Context, nodeIDs []int64) (map[int64]*models.LoadSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[int64]*models.LoadSample, len(nodeIDs))
	for _, id := range nodeIDs {
		if sample, ok := c.live(id); ok {
			result[id] = sample
		}
	}
	return result, nil
}

// live must be called with mu held. Expired entries are evicted.
func (c *MemoryCache) live(nodeID int64) (*models.LoadSample, bool) {
	sample, ok := c.samples[nodeID]
	if !ok {
		return nil, false
	}
	if expired(sample.Timestamp, c.ttl, c.now()) {
		delete(c.samples, nodeID)
		return nil, false
	}
	return &sample, true
}

// Delete drops the sample for nodeID.
func (c *MemoryCache) Delete(_ context.Context, nodeID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.samples, nodeID)
	return nil
}

// AcquireLock holds key until ttl elapses or it is released.
func (c *MemoryCache) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, held := c.locks[key]; held && now.Before(until) {
		return false, nil
	}
	c.locks[key] = now.Add(ttl)
	return true, nil
}

// ReleaseLock drops key.
func (c *MemoryCache) ReleaseLock(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, key)
	return nil
}

// Close is a no-op.
func (c *MemoryCache) Close() error {
	return nil
}
