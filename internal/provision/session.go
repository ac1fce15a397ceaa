package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/scanfleet/internal/events"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/ssh"
	"github.com/tOgg1/scanfleet/internal/tmux"
)

const outputBufferSize = 32 * 1024

// session is one browser channel attached to one node connection.
type session struct {
	id      string
	bridge  *Bridge
	channel Channel
	conn    Conn
	tmux    *tmux.Client
	nodeID  int64
	logger  zerolog.Logger

	mu           sync.Mutex
	node         *models.Node
	shell        ssh.Shell
	rows, cols   int
	confirmToken string
	closed       chan struct{}
	closeOnce    sync.Once
}

func newSession(b *Bridge, channel Channel, conn Conn, node *models.Node, rows, cols int, logger zerolog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		bridge:  b,
		channel: channel,
		conn:    conn,
		tmux:    tmux.NewClient(conn),
		nodeID:  node.ID,
		node:    node,
		logger:  logger.With().Str("session", id[:8]).Logger(),
		rows:    rows,
		cols:    cols,
		closed:  make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeShell()

	go func() {
		select {
		case <-ctx.Done():
			s.finish()
		case <-s.closed:
		}
	}()

	if s.bridge.publisher != nil {
		filter := events.NodeFilter(s.nodeID)
		filter.EventTypes = []models.EventType{models.EventTypeNodeStatusChanged}
		if err := s.bridge.publisher.Subscribe(s.id, filter, s.onStatusEvent); err == nil {
			defer s.bridge.publisher.Unsubscribe(s.id)
		}
	}

	shell, err := s.conn.OpenShell(ctx, "", s.rows, s.cols)
	if err != nil {
		s.sendError(fmt.Sprintf("open shell: %v", err))
		return err
	}
	s.setShell(shell)

	s.send(ServerMessage{
		Type:    MessageConnected,
		NodeID:  s.nodeID,
		Status:  s.currentNode().Status,
		Session: s.bridge.SessionName(s.nodeID),
	})
	s.logger.Info().Msg("provisioning session opened")

	for {
		frame, err := s.channel.Read()
		if err != nil {
			s.logger.Info().Msg("provisioning session closed")
			s.finish()
			return nil
		}
		if frame.Binary {
			s.writeInput(frame.Data)
			continue
		}
		s.handleControl(ctx, frame.Data)
	}
}

func (s *session) handleControl(ctx context.Context, data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid message: %v", err))
		return
	}

	switch msg.Type {
	case MessageInput:
		s.writeInput([]byte(msg.Data))
	case MessageResize:
		s.resize(msg.Rows, msg.Cols)
	case MessageDeploy:
		if err := s.deploy(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("deploy failed")
			s.sendError(err.Error())
		}
	case MessageAttach:
		if err := s.attach(ctx); err != nil {
			s.sendError(err.Error())
		}
	case MessageUninstall:
		if err := s.uninstall(ctx, msg.Token); err != nil {
			s.logger.Warn().Err(err).Msg("uninstall failed")
			s.sendError(err.Error())
		}
	}
}

// deploy uploads the install script, restarts the deploy session running
// it, and attaches this channel to the session. The node is marked deploying
// as soon as the script starts.
func (s *session) deploy(ctx context.Context) error {
	b := s.bridge
	current := s.currentNode()
	name := b.SessionName(s.nodeID)

	if err := s.requireTmux(ctx, current); err != nil {
		return err
	}

	script := InstallScript(b.scriptValues(current))
	if err := s.conn.Upload(ctx, b.scriptPath(InstallScriptName), []byte(script)); err != nil {
		return err
	}

	if err := s.tmux.KillSession(ctx, name); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		return err
	}
	if _, _, err := s.conn.Exec(ctx, "rm -f "+quote(b.doneMarker(s.nodeID))); err != nil {
		return fmt.Errorf("clear deploy marker: %w", err)
	}
	if err := s.tmux.NewSessionWithCommand(ctx, name, "", b.deployCommand(s.nodeID)); err != nil {
		return fmt.Errorf("start deploy session: %w", err)
	}

	node, err := b.registry.MarkDeploying(ctx, s.nodeID)
	if err != nil {
		return fmt.Errorf("mark deploying: %w", err)
	}
	s.setNode(node)
	s.logger.Info().Str("tmux_session", name).Msg("deploy started")

	b.startWatcher(node)
	return s.attachShell(ctx, name)
}

// attach joins an existing deploy session without re-running anything.
func (s *session) attach(ctx context.Context) error {
	current := s.currentNode()
	if err := s.requireTmux(ctx, current); err != nil {
		return err
	}
	name := s.bridge.SessionName(s.nodeID)
	exists, err := s.tmux.HasSession(ctx, name)
	if err != nil {
		return fmt.Errorf("check deploy session: %w", err)
	}
	if !exists {
		return fmt.Errorf("no deploy session running on %s", current.Name)
	}
	return s.attachShell(ctx, name)
}

// requireTmux fails before anything is written to the host when tmux is
// missing or too old to run a detached deploy.
func (s *session) requireTmux(ctx context.Context, node *models.Node) error {
	if err := s.tmux.CheckVersion(ctx); err != nil {
		return fmt.Errorf("tmux unavailable on %s: %w", node.Name, err)
	}
	return nil
}

func (s *session) attachShell(ctx context.Context, name string) error {
	rows, cols := s.geometry()
	shell, err := s.conn.OpenShell(ctx, s.tmux.AttachCommand(name), rows, cols)
	if err != nil {
		return fmt.Errorf("attach to %s: %w", name, err)
	}
	s.setShell(shell)
	return nil
}

// uninstall asks for confirmation with a one-time token, then runs the
// uninstall script in the terminal. The registry is checked before the token
// is issued and again before the host is touched.
func (s *session) uninstall(ctx context.Context, token string) error {
	b := s.bridge
	current, err := b.registry.CheckUninstall(ctx, s.nodeID)
	if err != nil {
		s.mu.Lock()
		s.confirmToken = ""
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	expected := s.confirmToken
	if token == "" || token != expected {
		s.confirmToken = uuid.NewString()
		issued := s.confirmToken
		s.mu.Unlock()
		s.send(ServerMessage{
			Type:    MessageConfirm,
			NodeID:  s.nodeID,
			Token:   issued,
			Message: fmt.Sprintf("Remove the fleet agent and all scan data from %s?", current.Name),
		})
		return nil
	}
	s.confirmToken = ""
	s.mu.Unlock()

	b.stopWatcher(s.nodeID)

	script := b.scriptPath(UninstallScriptName)
	if err := s.conn.Upload(ctx, script, []byte(UninstallScript(b.scriptValues(current)))); err != nil {
		return err
	}
	if err := s.tmux.KillSession(ctx, b.SessionName(s.nodeID)); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		s.logger.Debug().Err(err).Msg("deploy session not killed")
	}

	rows, cols := s.geometry()
	shell, err := s.conn.OpenShell(ctx, "bash "+quote(script)+"; exec bash -l", rows, cols)
	if err != nil {
		return fmt.Errorf("run uninstall: %w", err)
	}
	s.setShell(shell)

	node, err := b.registry.MarkUninstalled(ctx, s.nodeID)
	if err != nil {
		return fmt.Errorf("mark uninstalled: %w", err)
	}
	s.setNode(node)
	s.logger.Info().Msg("uninstall started")
	return nil
}

func (s *session) currentNode() *models.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

func (s *session) setNode(node *models.Node) {
	s.mu.Lock()
	s.node = node
	s.mu.Unlock()
}

func (s *session) geometry() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

func (s *session) resize(rows, cols int) {
	if rows <= 0 || cols <= 0 {
		return
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	shell := s.shell
	s.mu.Unlock()

	if shell != nil {
		if err := shell.Resize(rows, cols); err != nil {
			s.logger.Debug().Err(err).Msg("resize failed")
		}
	}
}

func (s *session) writeInput(data []byte) {
	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()

	if shell == nil || len(data) == 0 {
		return
	}
	if _, err := shell.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("shell write failed")
	}
}

// setShell replaces the active shell and starts streaming its output. The
// replaced shell is closed; only the active shell ending closes the channel.
func (s *session) setShell(shell ssh.Shell) {
	s.mu.Lock()
	previous := s.shell
	s.shell = shell
	s.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	go s.pump(shell)
}

func (s *session) pump(shell ssh.Shell) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := shell.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if werr := s.channel.Write(Frame{Binary: true, Data: data}); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("shell read ended")
			}
			break
		}
	}

	s.mu.Lock()
	current := s.shell == shell
	s.mu.Unlock()
	if current {
		s.send(ServerMessage{Type: MessageClosed, NodeID: s.nodeID, Message: "shell closed"})
		s.finish()
	}
}

func (s *session) onStatusEvent(event *models.Event) {
	var payload models.StatusChangedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return
	}
	s.send(ServerMessage{Type: MessageStatus, NodeID: s.nodeID, Status: payload.NewStatus, Message: payload.Reason})
}

func (s *session) send(msg ServerMessage) {
	select {
	case <-s.closed:
		return
	default:
	}
	if err := writeMessage(s.channel, msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("channel write failed")
	}
}

func (s *session) sendError(message string) {
	s.send(ServerMessage{Type: MessageError, NodeID: s.nodeID, Message: message})
}

// finish closes the channel, which unblocks the read loop. The node
// connection and shell are closed when run returns.
func (s *session) finish() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.channel.Close()
	})
}

func (s *session) closeShell() {
	s.mu.Lock()
	shell := s.shell
	s.shell = nil
	s.mu.Unlock()
	if shell != nil {
		_ = shell.Close()
	}
}

func writeMessage(channel Channel, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return channel.Write(Frame{Data: data})
}
