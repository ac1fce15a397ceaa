// Package registry is the authoritative store of node deployment state.
//
// State changes come from two sources: agent heartbeats and operator
// provisioning commands. Heartbeat loss is evaluated lazily on every read, so
// no background process is required for correctness.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/scanfleet/internal/db"
	"github.com/tOgg1/scanfleet/internal/events"
	"github.com/tOgg1/scanfleet/internal/loadcache"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/version"
)

// Registry errors.
var (
	ErrNodeNotFound         = db.ErrNodeNotFound
	ErrNodeAlreadyExists    = db.ErrNodeAlreadyExists
	ErrTransitionNotAllowed = errors.New("transition not allowed")
)

// NodeStore persists nodes. *db.NodeRepository implements it.
type NodeStore interface {
	Create(ctx context.Context, node *models.Node) error
	GetOrCreate(ctx context.Context, node *models.Node) (*models.Node, bool, error)
	Get(ctx context.Context, id int64) (*models.Node, error)
	List(ctx context.Context) ([]*models.Node, error)
	Update(ctx context.Context, node *models.Node) error
	Delete(ctx context.Context, id int64) error
}

// Config holds registry tunables.
type Config struct {
	// ExpectedVersion is compared against every heartbeat.
	ExpectedVersion string

	// SampleTTL bounds heartbeat silence before a node is offline.
	SampleTTL time.Duration

	// DeployTimeout moves a deploying node that never reported to offline.
	DeployTimeout time.Duration

	// UpdateLockTTL limits update starts to one per node per window.
	UpdateLockTTL time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		ExpectedVersion: version.Short(),
		SampleTTL:       models.DefaultSampleTTL,
		DeployTimeout:   10 * time.Minute,
		UpdateLockTTL:   60 * time.Second,
	}
}

// Heartbeat is one agent report.
type Heartbeat struct {
	CPUPercent    float64
	MemoryPercent float64
	Version       string
}

// HeartbeatResult tells the agent whether it must update.
type HeartbeatResult struct {
	Status        models.NodeStatus
	NeedUpdate    bool
	ServerVersion string
}

// Registry applies deployment state transitions with a single writer per node.
type Registry struct {
	store     NodeStore
	cache     loadcache.Cache
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a Registry. publisher may be nil.
func New(store NodeStore, cache loadcache.Cache, publisher events.Publisher, cfg Config, opts ...Option) *Registry {
	defaults := DefaultConfig()
	if cfg.ExpectedVersion == "" {
		cfg.ExpectedVersion = defaults.ExpectedVersion
	}
	if cfg.SampleTTL <= 0 {
		cfg.SampleTTL = defaults.SampleTTL
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = defaults.DeployTimeout
	}
	if cfg.UpdateLockTTL <= 0 {
		cfg.UpdateLockTTL = defaults.UpdateLockTTL
	}

	r := &Registry{
		store:     store,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logging.Component("registry"),
		locks:     make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExpectedVersion returns the version agents must report.
func (r *Registry) ExpectedVersion() string {
	return r.cfg.ExpectedVersion
}

func (r *Registry) lockNode(id int64) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Register returns the node called name, creating it when unknown. New
// self-registered nodes start offline: their agent is already installed, so
// the first current heartbeat brings them online.
func (r *Registry) Register(ctx context.Context, name string, isLocal bool, ipAddress string) (*models.Node, bool, error) {
	node := &models.Node{
		Name:      name,
		IsLocal:   isLocal,
		IPAddress: ipAddress,
		Status:    models.NodeStatusOffline,
	}
	node.ApplyDefaults()

	node, created, err := r.store.GetOrCreate(ctx, node)
	if err != nil {
		return nil, false, err
	}
	if created {
		r.logger.Info().Int64("node_id", node.ID).Str("name", name).Bool("local", isLocal).Msg("node registered")
		r.publish(ctx, models.NewNodeEvent(models.EventTypeNodeRegistered, node.ID, map[string]any{
			"name":    node.Name,
			"isLocal": node.IsLocal,
		}))
	}
	return node, created, nil
}

// Add creates an operator-managed node in the pending state.
func (r *Registry) Add(ctx context.Context, node *models.Node) error {
	node.Status = models.NodeStatusPending
	node.ApplyDefaults()
	if err := r.store.Create(ctx, node); err != nil {
		return err
	}
	r.logger.Info().Int64("node_id", node.ID).Str("name", node.Name).Msg("node added")
	r.publish(ctx, models.NewNodeEvent(models.EventTypeNodeAdded, node.ID, map[string]any{
		"name":      node.Name,
		"ipAddress": node.IPAddress,
	}))
	return nil
}

// Get returns the node with its lazily evaluated state and latest load.
func (r *Registry) Get(ctx context.Context, id int64) (*models.Node, error) {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.evaluate(ctx, node); err != nil {
		return nil, err
	}

	sample, err := r.cache.Get(ctx, id)
	switch {
	case err == nil:
		node.Info = sample.Info()
	case !errors.Is(err, loadcache.ErrNotFound):
		r.logger.Warn().Err(err).Int64("node_id", id).Msg("failed to read load sample")
	}
	return node, nil
}

// List returns every node, lazily evaluated, ordered by id.
func (r *Registry) List(ctx context.Context) ([]*models.Node, error) {
	stored, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]*models.Node, 0, len(stored))
	ids := make([]int64, 0, len(stored))
	for _, node := range stored {
		unlock := r.lockNode(node.ID)
		// Re-read under the lock so a concurrent heartbeat is not overwritten.
		fresh, err := r.store.Get(ctx, node.ID)
		if err == nil {
			err = r.evaluate(ctx, fresh)
		}
		unlock()
		if errors.Is(err, ErrNodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, fresh)
		ids = append(ids, fresh.ID)
	}

	samples, err := r.cache.GetMany(ctx, ids)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read load samples")
		return nodes, nil
	}
	for _, node := range nodes {
		if sample, ok := samples[node.ID]; ok {
			node.Info = sample.Info()
		}
	}
	return nodes, nil
}

// Remove deletes the node record and its load sample, returning the removed
// node so callers can clean up the host.
func (r *Registry) Remove(ctx context.Context, id int64) (*models.Node, error) {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	if err := r.cache.Delete(ctx, id); err != nil {
		r.logger.Warn().Err(err).Int64("node_id", id).Msg("failed to drop load sample")
	}

	r.locksMu.Lock()
	delete(r.locks, id)
	r.locksMu.Unlock()

	r.logger.Info().Int64("node_id", id).Str("name", node.Name).Msg("node removed")
	r.publish(ctx, models.NewNodeEvent(models.EventTypeNodeRemoved, id, map[string]any{"name": node.Name}))
	return node, nil
}

// RecordHeartbeat stores the sample and applies the heartbeat transition.
func (r *Registry) RecordHeartbeat(ctx context.Context, id int64, hb Heartbeat) (*HeartbeatResult, error) {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if err := r.evaluate(ctx, node); err != nil {
		return nil, err
	}

	sample := &models.LoadSample{
		NodeID:        id,
		CPUPercent:    models.RoundPercent(hb.CPUPercent),
		MemoryPercent: models.RoundPercent(hb.MemoryPercent),
		Version:       hb.Version,
		Timestamp:     now,
	}
	// A pending node has no deployed agent, so its sample must not make it
	// look schedulable.
	if node.Status != models.NodeStatusPending {
		if err := r.cache.Put(ctx, sample); err != nil {
			return nil, fmt.Errorf("failed to cache load sample: %w", err)
		}
	}

	current := version.Matches(hb.Version, r.cfg.ExpectedVersion)
	trigger := TriggerHeartbeatCurrent
	reason := "heartbeat"
	if !current {
		trigger = TriggerHeartbeatStale
		reason = fmt.Sprintf("agent reports %q, expected %q", hb.Version, r.cfg.ExpectedVersion)
	}

	oldStatus := node.Status
	node.Status, _ = Next(node.Status, trigger)
	node.LastHeartbeatAt = &now
	node.LastVersion = hb.Version

	if !current && !node.IsLocal && node.Status == models.NodeStatusOutdated {
		acquired, err := r.cache.AcquireLock(ctx, updateLockKey(id), r.cfg.UpdateLockTTL)
		if err != nil {
			r.logger.Warn().Err(err).Int64("node_id", id).Msg("failed to take update lock")
		}
		if acquired {
			node.Status, _ = Next(node.Status, TriggerUpdateStarted)
			reason = "update requested: " + reason
		}
	}

	if err := r.store.Update(ctx, node); err != nil {
		return nil, err
	}
	if oldStatus == models.NodeStatusUpdating && node.Status == models.NodeStatusOnline {
		if err := r.cache.ReleaseLock(ctx, updateLockKey(id)); err != nil {
			r.logger.Warn().Err(err).Int64("node_id", id).Msg("failed to release update lock")
		}
	}
	r.statusChanged(ctx, node, oldStatus, reason)

	return &HeartbeatResult{
		Status:        node.Status,
		NeedUpdate:    !current,
		ServerVersion: r.cfg.ExpectedVersion,
	}, nil
}

// MarkDeploying moves the node to deploying and starts the deploy clock.
func (r *Registry) MarkDeploying(ctx context.Context, id int64) (*models.Node, error) {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	oldStatus := node.Status
	if node.Status != models.NodeStatusDeploying {
		next, ok := Next(node.Status, TriggerDeploy)
		if !ok {
			return nil, fmt.Errorf("%w: deploy from %s", ErrTransitionNotAllowed, node.Status)
		}
		node.Status = next
	}

	now := r.now().UTC()
	node.DeployStartedAt = &now
	node.ScriptExitedAt = nil
	if err := r.store.Update(ctx, node); err != nil {
		return nil, err
	}

	r.publish(ctx, models.NewNodeEvent(models.EventTypeDeployStarted, id, nil))
	r.statusChanged(ctx, node, oldStatus, "deploy started")
	return node, nil
}

// MarkScriptExited records that the install session finished. The node stays
// deploying; it goes offline once a full TTL passes without a heartbeat.
func (r *Registry) MarkScriptExited(ctx context.Context, id int64) error {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if node.Status != models.NodeStatusDeploying || node.ScriptExitedAt != nil {
		return nil
	}

	now := r.now().UTC()
	node.ScriptExitedAt = &now
	r.logger.Info().Int64("node_id", id).Msg("install script exited")
	return r.store.Update(ctx, node)
}

// CheckUninstall returns the node if an uninstall may run from its current
// state. Callers check before touching the host so the host and the registry
// cannot disagree.
func (r *Registry) CheckUninstall(ctx context.Context, id int64) (*models.Node, error) {
	node, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := Next(node.Status, TriggerUninstall); !ok {
		return nil, fmt.Errorf("%w: uninstall from %s", ErrTransitionNotAllowed, node.Status)
	}
	return node, nil
}

// MarkUninstalled returns the node to pending and drops its load sample.
func (r *Registry) MarkUninstalled(ctx context.Context, id int64) (*models.Node, error) {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.evaluate(ctx, node); err != nil {
		return nil, err
	}

	oldStatus := node.Status
	next, ok := Next(node.Status, TriggerUninstall)
	if !ok {
		return nil, fmt.Errorf("%w: uninstall from %s", ErrTransitionNotAllowed, node.Status)
	}
	node.Status = next
	node.DeployStartedAt = nil
	node.ScriptExitedAt = nil
	if err := r.store.Update(ctx, node); err != nil {
		return nil, err
	}
	if err := r.cache.Delete(ctx, id); err != nil {
		r.logger.Warn().Err(err).Int64("node_id", id).Msg("failed to drop load sample")
	}

	r.publish(ctx, models.NewNodeEvent(models.EventTypeUninstalled, id, nil))
	r.statusChanged(ctx, node, oldStatus, "uninstalled")
	return node, nil
}

// evaluate applies time-based transitions to node and persists any change.
// Must be called with the node lock held.
func (r *Registry) evaluate(ctx context.Context, node *models.Node) error {
	trigger, reason, ok := r.timeTrigger(node, r.now())
	if !ok {
		return nil
	}
	next, changed := Next(node.Status, trigger)
	if !changed || next == node.Status {
		return nil
	}

	oldStatus := node.Status
	node.Status = next
	if err := r.store.Update(ctx, node); err != nil {
		return err
	}
	r.statusChanged(ctx, node, oldStatus, reason)
	return nil
}

// timeTrigger reports which time-based trigger, if any, applies at now.
func (r *Registry) timeTrigger(node *models.Node, now time.Time) (Trigger, string, bool) {
	switch node.Status {
	case models.NodeStatusOnline:
		if node.LastHeartbeatAt == nil || now.Sub(*node.LastHeartbeatAt) > r.cfg.SampleTTL {
			return TriggerHeartbeatLost, "heartbeat lost", true
		}
	case models.NodeStatusDeploying:
		if heardSinceDeploy(node) {
			return "", "", false
		}
		if node.ScriptExitedAt != nil && now.Sub(*node.ScriptExitedAt) > r.cfg.SampleTTL {
			return TriggerScriptExited, "install finished without a heartbeat", true
		}
		if node.DeployStartedAt != nil && now.Sub(*node.DeployStartedAt) > r.cfg.DeployTimeout {
			return TriggerScriptExited, "deploy timed out", true
		}
	}
	return "", "", false
}

func heardSinceDeploy(node *models.Node) bool {
	return node.LastHeartbeatAt != nil && node.DeployStartedAt != nil &&
		node.LastHeartbeatAt.After(*node.DeployStartedAt)
}

func (r *Registry) statusChanged(ctx context.Context, node *models.Node, oldStatus models.NodeStatus, reason string) {
	if node.Status == oldStatus {
		return
	}
	r.logger.Info().
		Int64("node_id", node.ID).
		Str("from", string(oldStatus)).
		Str("to", string(node.Status)).
		Str("reason", reason).
		Msg("node status changed")
	r.publish(ctx, models.NewNodeEvent(models.EventTypeNodeStatusChanged, node.ID, models.StatusChangedPayload{
		OldStatus: oldStatus,
		NewStatus: node.Status,
		Reason:    reason,
	}))
}

func (r *Registry) publish(ctx context.Context, event *models.Event) {
	if r.publisher != nil {
		r.publisher.Publish(ctx, event)
	}
}

func updateLockKey(id int64) string {
	return "update:" + models.NodeEntityID(id)
}
