package provision

import (
	"context"
	"strings"
	"time"

	"github.com/tOgg1/scanfleet/internal/models"
)

// watcher polls a node for the exit marker left by the deploy command.
type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startWatcher watches node's deploy until the install script exits, the
// node leaves deploying, or WatchTimeout passes. A running watcher for the
// same node is replaced.
func (b *Bridge) startWatcher(node *models.Node) {
	b.stopWatcher(node.ID)

	ctx, cancel := context.WithTimeout(b.root, b.cfg.WatchTimeout)
	w := &watcher{cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	b.watchers[node.ID] = w
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(w.done)
		defer cancel()
		defer b.forgetWatcher(node.ID, w)
		b.watch(ctx, node)
	}()
}

// stopWatcher cancels the watcher for nodeID, if any, and waits for it.
func (b *Bridge) stopWatcher(nodeID int64) {
	b.mu.Lock()
	w := b.watchers[nodeID]
	delete(b.watchers, nodeID)
	b.mu.Unlock()

	if w != nil {
		w.cancel()
		<-w.done
	}
}

func (b *Bridge) forgetWatcher(nodeID int64, w *watcher) {
	b.mu.Lock()
	if b.watchers[nodeID] == w {
		delete(b.watchers, nodeID)
	}
	b.mu.Unlock()
}

func (b *Bridge) watch(ctx context.Context, node *models.Node) {
	logger := b.logger.With().Int64("node_id", node.ID).Str("node", node.Name).Logger()

	conn, err := b.dial(ctx, node)
	if err != nil {
		logger.Warn().Err(err).Msg("deploy watcher could not connect")
		return
	}
	defer conn.Close()

	marker := quote(b.doneMarker(node.ID))
	ticker := time.NewTicker(b.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("deploy watcher stopped")
			return
		case <-ticker.C:
		}

		current, err := b.registry.Get(ctx, node.ID)
		if err != nil {
			logger.Debug().Err(err).Msg("deploy watcher lost node")
			return
		}
		if current.Status != models.NodeStatusDeploying {
			return
		}

		stdout, _, err := conn.Exec(ctx, "cat "+marker+" 2>/dev/null || true")
		if err != nil {
			logger.Debug().Err(err).Msg("deploy marker check failed")
			continue
		}
		code := strings.TrimSpace(string(stdout))
		if code == "" {
			continue
		}

		logger.Info().Str("exit_code", code).Msg("install script exited")
		if err := b.registry.MarkScriptExited(ctx, node.ID); err != nil {
			logger.Warn().Err(err).Msg("mark script exited")
		}
		return
	}
}
