package loadcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
)

// RedisOptions configures a RedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces keys as <prefix>:load:<id>.
	KeyPrefix string
	TTL       time.Duration

	ConnectRetries int
	ConnectDelay   time.Duration
}

// RedisCache stores samples as JSON strings with a Redis expiry.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache connects to Redis, retrying the initial ping.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	c := newRedisCache(client, opts)
	if err := c.connect(ctx, opts.ConnectRetries, opts.ConnectDelay); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

func newRedisCache(client *redis.Client, opts RedisOptions) *RedisCache {
	prefix := opts.KeyPrefix
	if prefix != "" {
		prefix += ":"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = models.DefaultSampleTTL
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logging.Component("loadcache"),
	}
}

func (c *RedisCache) connect(ctx context.Context, retries int, delay time.Duration) error {
	if retries <= 0 {
		retries = 1
	}
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		if err = c.client.Ping(ctx).Err(); err == nil {
			c.logger.Info().Str("addr", c.client.Options().Addr).Msg("connected to redis")
			return nil
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("redis not ready")
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to connect to redis after %d attempts: %w", retries, err)
}

// Put writes sample with SET EX.
func (c *RedisCache) Put(ctx context.Context, sample *models.LoadSample) error {
	stored := *sample
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}
	if err := c.client.Set(ctx, nodeKey(c.prefix, sample.NodeID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store sample: %w", err)
	}
	return nil
}

// Get reads one sample.
func (c *RedisCache) Get(ctx context.Context, nodeID int64) (*models.LoadSample, error) {
	data, err := c.client.Get(ctx, nodeKey(c.prefix, nodeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}

	var sample models.LoadSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
	}
	return &sample, nil
}

// GetMany reads samples with a single MGET.
func (c *RedisCache) GetMany(ctx context.Context, nodeIDs []int64) (map[int64]*models.LoadSample, error) {
	result := make(map[int64]*models.LoadSample, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return result, nil
	}

	keys := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		keys[i] = nodeKey(c.prefix, id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get samples: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var sample models.LoadSample
		if err := json.Unmarshal([]byte(raw), &sample); err != nil {
			c.logger.Warn().Err(err).Int64("node_id", nodeIDs[i]).Msg("discarding corrupt sample")
			continue
		}
		result[nodeIDs[i]] = &sample
	}
	return result, nil
}

// Delete removes the node's key.
func (c *RedisCache) Delete(ctx context.Context, nodeID int64) error {
	if err := c.client.Del(ctx, nodeKey(c.prefix, nodeID)).Err(); err != nil {
		return fmt.Errorf("failed to delete sample: %w", err)
	}
	return nil
}

// AcquireLock uses SETNX with an expiry.
func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, lockKey(c.prefix, key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock deletes the lock key.
func (c *RedisCache) ReleaseLock(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, lockKey(c.prefix, key)).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
