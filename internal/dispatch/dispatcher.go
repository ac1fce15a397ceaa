package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/events"
	"github.com/tOgg1/scanfleet/internal/loadcache"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
)

// ErrNoEligibleNode is returned by DispatchAll when no node can take work.
var ErrNoEligibleNode = errors.New("no eligible node")

// NodeLister lists nodes with their current deployment state.
// *registry.Registry implements it.
type NodeLister interface {
	List(ctx context.Context) ([]*models.Node, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds dispatcher settings.
type Config struct {
	Thresholds Thresholds

	// RetryInterval is the wait between selection attempts when nothing is
	// eligible.
	RetryInterval time.Duration

	// SubmitInterval spaces launches; 0 disables spacing.
	SubmitInterval time.Duration

	// ImageTag is the controller's expected version.
	ImageTag string

	Executor   config.ExecutorConfig
	ServerURLs ServerURLs
}

// ConfigFrom builds a dispatcher Config from the controller configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Thresholds: Thresholds{
			CPU:    cfg.Scheduler.CPUThreshold,
			Memory: cfg.Scheduler.MemoryThreshold,
		},
		RetryInterval:  cfg.Scheduler.RetryInterval,
		SubmitInterval: cfg.Scheduler.SubmitInterval,
		ImageTag:       cfg.Registry.ExpectedVersion,
		Executor:       cfg.Executor,
		ServerURLs: ServerURLs{
			Public: cfg.Server.PublicURL,
			Local:  cfg.Server.LocalURL,
		},
	}
}

// Result is the outcome of one launch.
type Result struct {
	JobID       string  `json:"jobId"`
	NodeID      int64   `json:"nodeId"`
	NodeName    string  `json:"nodeName"`
	Score       float64 `json:"score"`
	ContainerID string  `json:"containerId,omitempty"`
	Err         error   `json:"-"`
}

// Dispatcher selects a node for each job and launches it there. It keeps no
// per-job state, so concurrent Dispatch calls are independent and may pick
// the same node within one heartbeat window.
type Dispatcher struct {
	nodes     NodeLister
	cache     loadcache.Cache
	local     Launcher
	remote    Launcher
	publisher events.Publisher
	cfg       Config
	sleep     SleepFunc
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSleep overrides the retry wait.
func WithSleep(sleep SleepFunc) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// WithPublisher publishes dispatch events.
func WithPublisher(publisher events.Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

// New creates a Dispatcher. local launches on isLocal nodes, remote on the
// rest.
func New(nodes NodeLister, cache loadcache.Cache, local, remote Launcher, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Thresholds.CPU <= 0 || cfg.Thresholds.Memory <= 0 {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}

	d := &Dispatcher{
		nodes:  nodes,
		cache:  cache,
		local:  local,
		remote: remote,
		cfg:    cfg,
		sleep:  sleepContext,
		logger: logging.Component("dispatch"),
	}
	if cfg.SubmitInterval > 0 {
		d.limiter = rate.NewLimiter(rate.Every(cfg.SubmitInterval), 1)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Candidates returns the eligible nodes, best first.
func (d *Dispatcher) Candidates(ctx context.Context) ([]Candidate, error) {
	nodes, err := d.nodes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	samples, err := d.cache.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read load samples: %w", err)
	}
	return Rank(nodes, samples, d.cfg.Thresholds), nil
}

// Dispatch launches job on the best eligible node. When no node is eligible
// it waits RetryInterval and tries again until one is or ctx is cancelled.
// A failed launch is returned, not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job) (*Result, error) {
	if err := prepareJob(job); err != nil {
		return nil, err
	}
	logger := d.logger.With().Str("job_id", job.ID).Str("module", job.Module).Logger()
	logger.Debug().Interface("args", redactedArgs(job.Args)).Msg("job submitted")

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates, err := d.Candidates(ctx)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("node selection failed")
		} else if len(candidates) > 0 {
			if err := d.waitSubmit(ctx); err != nil {
				return nil, err
			}
			result := d.launch(ctx, job, candidates[0])
			return result, result.Err
		}

		logger.Warn().
			Int("attempt", attempt).
			Dur("retry_in", d.cfg.RetryInterval).
			Msg("no eligible node, waiting")
		d.publish(ctx, models.NewJobEvent(models.EventTypeJobDeferred, job.ID, models.JobDeferredPayload{
			Candidates: len(candidates),
			RetryIn:    d.cfg.RetryInterval,
		}))

		if err := d.sleep(ctx, d.cfg.RetryInterval); err != nil {
			return nil, err
		}
	}
}

// DispatchAll launches job on every eligible node, for maintenance work such
// as result cleanup. It does not wait for nodes to become eligible.
func (d *Dispatcher) DispatchAll(ctx context.Context, job *models.Job) ([]Result, error) {
	if err := prepareJob(job); err != nil {
		return nil, err
	}

	candidates, err := d.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleNode
	}

	results := make([]Result, 0, len(candidates))
	for _, candidate := range candidates {
		results = append(results, *d.launch(ctx, job, candidate))
	}
	return results, nil
}

func (d *Dispatcher) launch(ctx context.Context, job *models.Job, candidate Candidate) *Result {
	node := candidate.Node
	result := &Result{
		JobID:    job.ID,
		NodeID:   node.ID,
		NodeName: node.Name,
		Score:    candidate.Score,
	}

	launcher := d.remote
	if node.IsLocal {
		launcher = d.local
	}
	if launcher == nil {
		result.Err = fmt.Errorf("no launcher for node %s (local=%t)", node.Name, node.IsLocal)
	} else {
		spec := BuildRunSpec(d.cfg.Executor, d.cfg.ServerURLs, d.cfg.ImageTag, node, job)
		result.ContainerID, result.Err = launcher.Launch(ctx, node, spec)
	}

	if result.Err != nil {
		d.logger.Error().Err(result.Err).Str("job_id", job.ID).Int64("node_id", node.ID).Msg("job launch failed")
		d.publish(ctx, models.NewJobEvent(models.EventTypeJobFailed, job.ID, models.JobFailedPayload{
			NodeID:   node.ID,
			NodeName: node.Name,
			Error:    result.Err.Error(),
		}))
		return result
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Int64("node_id", node.ID).
		Str("node", node.Name).
		Float64("cpu", candidate.Sample.CPUPercent).
		Float64("mem", candidate.Sample.MemoryPercent).
		Float64("score", candidate.Score).
		Str("container", shortID(result.ContainerID)).
		Msg("job dispatched")
	d.publish(ctx, models.NewJobEvent(models.EventTypeJobDispatched, job.ID, models.JobDispatchedPayload{
		NodeID:      node.ID,
		NodeName:    node.Name,
		Score:       candidate.Score,
		ContainerID: result.ContainerID,
	}))
	return result
}

func (d *Dispatcher) waitSubmit(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}

func (d *Dispatcher) publish(ctx context.Context, event *models.Event) {
	if d.publisher != nil {
		d.publisher.Publish(ctx, event)
	}
}

func prepareJob(job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return nil
}

// redactedArgs masks argument values whose names or contents look like
// credentials.
func redactedArgs(args map[string]string) map[string]any {
	if len(args) == 0 {
		return nil
	}
	values := make(map[string]any, len(args))
	for key, value := range args {
		values[key] = value
	}
	return logging.RedactMap(values)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
