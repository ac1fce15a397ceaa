// Package provision bridges browser terminal channels to node shells for
// installing, reattaching to and uninstalling the fleet agent.
//
// Each browser channel gets its own connection to the node. Install runs
// inside a detachable tmux session on the node, so closing the channel never
// interrupts a deploy and a later channel can reattach to its output.
package provision

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/events"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/tmux"
)

// Registry is the node state the bridge reads and drives.
// *registry.Registry implements it.
type Registry interface {
	Get(ctx context.Context, id int64) (*models.Node, error)
	MarkDeploying(ctx context.Context, id int64) (*models.Node, error)
	MarkScriptExited(ctx context.Context, id int64) error
	CheckUninstall(ctx context.Context, id int64) (*models.Node, error)
	MarkUninstalled(ctx context.Context, id int64) (*models.Node, error)
}

// Config holds bridge settings.
type Config struct {
	// SessionPrefix names deploy sessions <prefix>-<node id>.
	SessionPrefix string

	// RemoteDir holds uploaded scripts, relative to the login home.
	RemoteDir string

	ImageTag       string
	AgentImage     string
	ExecutorImage  string
	AgentContainer string

	// PublicURL is handed to remote agents, LocalURL to local ones.
	PublicURL string
	LocalURL  string

	// WatchInterval is how often a running deploy is checked for exit.
	WatchInterval time.Duration

	// WatchTimeout bounds how long a deploy is watched.
	WatchTimeout time.Duration

	DefaultRows int
	DefaultCols int
}

// ConfigFrom builds a bridge Config from the controller configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SessionPrefix:  cfg.Provision.SessionPrefix,
		RemoteDir:      cfg.Provision.RemoteDir,
		ImageTag:       cfg.Registry.ExpectedVersion,
		AgentImage:     cfg.Provision.AgentImage,
		ExecutorImage:  cfg.Executor.Image,
		AgentContainer: cfg.Agent.ContainerName,
		PublicURL:      cfg.Server.PublicURL,
		LocalURL:       cfg.Server.LocalURL,
		WatchInterval:  cfg.Provision.WatchInterval,
		WatchTimeout:   cfg.Registry.DeployTimeout,
		DefaultRows:    cfg.Provision.DefaultRows,
		DefaultCols:    cfg.Provision.DefaultCols,
	}
}

func (c *Config) applyDefaults() {
	if c.SessionPrefix == "" {
		c.SessionPrefix = "fleet-deploy"
	}
	if c.RemoteDir == "" {
		c.RemoteDir = ".scanfleet"
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 5 * time.Second
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = 10 * time.Minute
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = 24
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = 80
	}
}

// Bridge serves provisioning channels.
type Bridge struct {
	registry  Registry
	local     Dialer
	remote    Dialer
	publisher events.Publisher
	cfg       Config
	logger    zerolog.Logger

	root     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	watchers map[int64]*watcher
	wg       sync.WaitGroup
}

// New creates a Bridge. local serves isLocal nodes, remote the rest.
// publisher may be nil, in which case no status frames are pushed.
func New(registry Registry, local, remote Dialer, publisher events.Publisher, cfg Config) *Bridge {
	cfg.applyDefaults()
	root, stop := context.WithCancel(context.Background())
	return &Bridge{
		registry:  registry,
		local:     local,
		remote:    remote,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.Component("provision"),
		root:      root,
		stop:      stop,
		watchers:  make(map[int64]*watcher),
	}
}

// Close stops deploy watchers. Sessions on the nodes keep running.
func (b *Bridge) Close() {
	b.stop()
	b.wg.Wait()
}

// SessionName is the detachable session used for node deploys.
func (b *Bridge) SessionName(nodeID int64) string {
	return fmt.Sprintf("%s-%d", b.cfg.SessionPrefix, nodeID)
}

func (b *Bridge) dialer(node *models.Node) Dialer {
	if node.IsLocal {
		return b.local
	}
	return b.remote
}

func (b *Bridge) dial(ctx context.Context, node *models.Node) (Conn, error) {
	dialer := b.dialer(node)
	if dialer == nil {
		return nil, fmt.Errorf("no dialer for node %s (local=%t)", node.Name, node.IsLocal)
	}
	return dialer.Dial(ctx, node)
}

func (b *Bridge) scriptValues(node *models.Node) ScriptValues {
	url := b.cfg.PublicURL
	if node.IsLocal {
		url = b.cfg.LocalURL
	}
	return ScriptValues{
		ImageTag:       b.cfg.ImageTag,
		AgentImage:     b.cfg.AgentImage,
		ExecutorImage:  b.cfg.ExecutorImage,
		ControllerURL:  url,
		AgentContainer: b.cfg.AgentContainer,
		NodeID:         node.ID,
		IsLocal:        node.IsLocal,
	}
}

func (b *Bridge) scriptPath(name string) string {
	return path.Join(b.cfg.RemoteDir, name)
}

// doneMarker receives the install script's exit code.
func (b *Bridge) doneMarker(nodeID int64) string {
	return b.scriptPath(fmt.Sprintf("deploy-%d.done", nodeID))
}

// deployCommand runs the install script, records its exit code and leaves a
// login shell in the session for inspection.
func (b *Bridge) deployCommand(nodeID int64) string {
	marker := quote(b.doneMarker(nodeID))
	return fmt.Sprintf("bash %s; echo $? > %s; exec bash -l",
		quote(b.scriptPath(InstallScriptName)), marker)
}

// Serve runs one provisioning session until the channel or the node shell
// closes. rows and cols set the initial terminal size.
func (b *Bridge) Serve(ctx context.Context, channel Channel, nodeID int64, rows, cols int) error {
	defer channel.Close()

	if rows <= 0 || cols <= 0 {
		rows, cols = b.cfg.DefaultRows, b.cfg.DefaultCols
	}

	node, err := b.registry.Get(ctx, nodeID)
	if err != nil {
		_ = writeMessage(channel, ServerMessage{Type: MessageError, NodeID: nodeID, Message: err.Error()})
		return err
	}

	logger := logging.WithNode(b.logger, node.ID, node.Name)

	conn, err := b.dial(ctx, node)
	if err != nil {
		logger.Warn().Err(err).Msg("node connection failed")
		_ = writeMessage(channel, ServerMessage{
			Type:    MessageError,
			NodeID:  node.ID,
			Message: fmt.Sprintf("connect to %s: %v", node.Name, err),
		})
		return err
	}
	defer conn.Close()

	s := newSession(b, channel, conn, node, rows, cols, logger)
	return s.run(ctx)
}

// Uninstall runs the uninstall script on node without a browser channel and
// ends its deploy session. It does not touch the registry.
func (b *Bridge) Uninstall(ctx context.Context, node *models.Node) error {
	b.stopWatcher(node.ID)

	conn, err := b.dial(ctx, node)
	if err != nil {
		return err
	}
	defer conn.Close()

	script := b.scriptPath(UninstallScriptName)
	if err := conn.Upload(ctx, script, []byte(UninstallScript(b.scriptValues(node)))); err != nil {
		return err
	}

	if err := tmux.NewClient(conn).KillSession(ctx, b.SessionName(node.ID)); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		b.logger.Debug().Err(err).Int64("node_id", node.ID).Msg("deploy session not killed")
	}

	stdout, stderr, err := conn.Exec(ctx, "bash "+quote(script)+" && rm -rf "+quote(b.cfg.RemoteDir))
	if err != nil {
		return fmt.Errorf("uninstall %s: %s: %w", node.Name, lastLine(stderr, stdout), err)
	}
	b.logger.Info().Int64("node_id", node.ID).Str("node", node.Name).Msg("node uninstalled")
	b.publish(ctx, models.NewNodeEvent(models.EventTypeUninstalled, node.ID, map[string]any{"headless": true}))
	return nil
}

func (b *Bridge) publish(ctx context.Context, event *models.Event) {
	if b.publisher != nil {
		b.publisher.Publish(ctx, event)
	}
}

func lastLine(outputs ...[]byte) string {
	for _, output := range outputs {
		text := strings.TrimSpace(string(output))
		if text == "" {
			continue
		}
		if i := strings.LastIndexByte(text, '\n'); i >= 0 {
			return text[i+1:]
		}
		return text
	}
	return "no output"
}
