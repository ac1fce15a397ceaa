package loadcache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdOptions configures an EtcdCache.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration

	// KeyPrefix namespaces keys as /<prefix>/load/<id>.
	KeyPrefix string
	TTL       time.Duration
}

// etcdClient is the part of *clientv3.Client the cache uses.
type etcdClient interface {
	clientv3.KV
	clientv3.Lease
}

// EtcdCache attaches every sample to its own lease so etcd expires it.
type EtcdCache struct {
	client etcdClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewEtcdCache dials the etcd cluster.
func NewEtcdCache(opts EtcdOptions) (*EtcdCache, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	cache := newEtcdCache(client, opts)
	cache.logger.Info().Strs("endpoints", opts.Endpoints).Msg("using etcd load cache")
	return cache, nil
}

func newEtcdCache(client etcdClient, opts EtcdOptions) *EtcdCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = models.DefaultSampleTTL
	}
	return &EtcdCache{
		client: client,
		prefix: etcdPrefix(opts.KeyPrefix),
		ttl:    ttl,
		now:    time.Now,
		logger: logging.Component("loadcache"),
	}
}

func etcdPrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return "/" + prefix + "/"
}

// leaseSeconds rounds ttl up to whole seconds, the lease granularity.
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Put grants a fresh lease and writes the sample under it.
func (c *EtcdCache) Put(ctx context.Context, sample *models.LoadSample) error {
	stored := *sample
	if stored.Timestamp.IsZero() {
		stored.Timestamp = c.now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	lease, err := c.client.Grant(ctx, leaseSeconds(c.ttl))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := c.client.Put(ctx, nodeKey(c.prefix, sample.NodeID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to store sample: %w", err)
	}
	return nil
}

// Get reads one sample.
func (c *EtcdCache) Get(ctx context.Context, nodeID int64) (*models.LoadSample, error) {
	resp, err := c.client.Get(ctx, nodeKey(c.prefix, nodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var sample models.LoadSample
	if err := json.Unmarshal(resp.Kvs[0].Value, &sample); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
	}
	if expired(sample.Timestamp, c.ttl, c.now()) {
		return nil, ErrNotFound
	}
	return &sample, nil
}

// GetMany reads all requested keys in one transaction.
func (c *EtcdCache) GetMany(ctx context.Context, nodeIDs []int64) (map[int64]*models.LoadSample, error) {
	result := make(map[int64]*models.LoadSample, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return result, nil
	}

	ops := make([]clientv3.Op, len(nodeIDs))
	for i, id := range nodeIDs {
		ops[i] = clientv3.OpGet(nodeKey(c.prefix, id))
	}
	resp, err := c.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to get samples: %w", err)
	}

	now := c.now()
	for i, r := range resp.Responses {
		rng := r.GetResponseRange()
		if rng == nil || len(rng.Kvs) == 0 {
			continue
		}
		var sample models.LoadSample
		if err := json.Unmarshal(rng.Kvs[0].Value, &sample); err != nil {
			c.logger.Warn().Err(err).Int64("node_id", nodeIDs[i]).Msg("discarding corrupt sample")
			continue
		}
		if expired(sample.Timestamp, c.ttl, now) {
			continue
		}
		result[nodeIDs[i]] = &sample
	}
	return result, nil
}

// Delete removes the node's key.
func (c *EtcdCache) Delete(ctx context.Context, nodeID int64) error {
	if _, err := c.client.Delete(ctx, nodeKey(c.prefix, nodeID)); err != nil {
		return fmt.Errorf("failed to delete sample: %w", err)
	}
	return nil
}

// AcquireLock creates key under a lease only if it does not exist.
func (c *EtcdCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lease, err := c.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to grant lease: %w", err)
	}

	k := lockKey(c.prefix, key)
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, "1", clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !resp.Succeeded {
		// Unused lease; let it lapse if revoke fails.
		_, _ = c.client.Revoke(ctx, lease.ID)
	}
	return resp.Succeeded, nil
}

// ReleaseLock deletes the lock key.
func (c *EtcdCache) ReleaseLock(ctx context.Context, key string) error {
	if _, err := c.client.Delete(ctx, lockKey(c.prefix, key)); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *EtcdCache) Close() error {
	return c.client.Close()
}
