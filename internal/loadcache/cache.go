// Package loadcache stores the latest load sample per node with a TTL.
//
// A sample that has outlived the TTL is invisible to readers; the scheduler
// treats such nodes as ineligible. The cache also provides short-lived
// best-effort locks used to rate limit per-node actions.
package loadcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/models"
)

// ErrNotFound is returned when no live sample exists for a node.
var ErrNotFound = errors.New("load sample not found")

// Cache is the TTL store for load samples.
type Cache interface {
	// Put replaces the node's sample and restarts its TTL.
	Put(ctx context.Context, sample *models.LoadSample) error

	// Get returns the node's live sample or ErrNotFound.
	Get(ctx context.Context, nodeID int64) (*models.LoadSample, error)

	// GetMany returns live samples keyed by node id; missing ids are omitted.
	GetMany(ctx context.Context, nodeIDs []int64) (map[int64]*models.LoadSample, error)

	// Delete drops the node's sample.
	Delete(ctx context.Context, nodeID int64) error

	// AcquireLock sets key for ttl if it is not already held.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLock drops key.
	ReleaseLock(ctx context.Context, key string) error

	Close() error
}

// New builds the cache backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	ttl := cfg.SampleTTL
	if ttl <= 0 {
		ttl = models.DefaultSampleTTL
	}

	switch cfg.Backend {
	case "", config.CacheBackendMemory:
		return NewMemoryCache(ttl), nil
	case config.CacheBackendRedis:
		return NewRedisCache(ctx, RedisOptions{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			KeyPrefix:      cfg.KeyPrefix,
			TTL:            ttl,
			ConnectRetries: cfg.ConnectRetries,
			ConnectDelay:   cfg.ConnectDelay,
		})
	case config.CacheBackendEtcd:
		return NewEtcdCache(EtcdOptions{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.EtcdDialTimeout,
			KeyPrefix:   cfg.KeyPrefix,
			TTL:         ttl,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func nodeKey(prefix string, nodeID int64) string {
	return prefix + "load:" + strconv.FormatInt(nodeID, 10)
}

func lockKey(prefix, key string) string {
	return prefix + "lock:" + key
}

// expired reports whether a sample written at ts is past ttl at now.
func expired(ts time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(ts) > ttl
}
