package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"

	"github.com/creack/pty"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/ssh"
)

// Conn is one connection to a node's host: command execution, file upload
// and PTY shells. Paths are relative to the login user's home directory.
type Conn interface {
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)
	Upload(ctx context.Context, name string, content []byte) error
	OpenShell(ctx context.Context, cmd string, rows, cols int) (ssh.Shell, error)
	Close() error
}

// Dialer connects to a node.
type Dialer interface {
	Dial(ctx context.Context, node *models.Node) (Conn, error)
}

// SSHDialer reaches remote nodes with the native SSH client.
type SSHDialer struct {
	Defaults config.NodeConfig
}

// Dial opens an SSH connection and completes the handshake so credential
// errors surface here rather than on first use.
func (d SSHDialer) Dial(ctx context.Context, node *models.Node) (Conn, error) {
	if node.IsLocal {
		return nil, fmt.Errorf("node %s is local", node.Name)
	}
	executor, err := ssh.NewNativeExecutor(ssh.OptionsForNode(node, d.Defaults))
	if err != nil {
		return nil, err
	}
	if _, _, err := executor.Exec(ctx, "true"); err != nil {
		executor.Close()
		return nil, err
	}
	return &sshConn{executor: executor}, nil
}

type sshConn struct {
	executor *ssh.NativeExecutor
}

func (c *sshConn) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	return c.executor.Exec(ctx, cmd)
}

func (c *sshConn) Upload(ctx context.Context, name string, content []byte) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod 0755 %s",
		quote(path.Dir(name)), quote(name), quote(name))
	if err := c.executor.ExecInteractive(ctx, cmd, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

func (c *sshConn) OpenShell(ctx context.Context, cmd string, rows, cols int) (ssh.Shell, error) {
	return c.executor.OpenShell(ctx, cmd, rows, cols)
}

func (c *sshConn) Close() error {
	return c.executor.Close()
}

// LocalDialer serves nodes that share the controller's host, using local
// processes and pseudo-terminals instead of SSH.
type LocalDialer struct {
	// HomeDir anchors relative paths; defaults to the user's home.
	HomeDir string

	// Shell runs commands; defaults to /bin/sh.
	Shell string
}

// Dial returns a connection to the local host.
func (d LocalDialer) Dial(_ context.Context, node *models.Node) (Conn, error) {
	if !node.IsLocal {
		return nil, fmt.Errorf("node %s is remote", node.Name)
	}
	home := d.HomeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
	}
	shell := d.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &localConn{home: home, shell: shell}, nil
}

type localConn struct {
	home  string
	shell string
}

func (c *localConn) command(ctx context.Context, cmd string) *exec.Cmd {
	command := exec.CommandContext(ctx, c.shell, "-c", cmd)
	command.Dir = c.home
	return command
}

func (c *localConn) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	command := c.command(ctx, cmd)
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = &ssh.ExecError{
			Command:  cmd,
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Err:      err,
		}
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

func (c *localConn) Upload(_ context.Context, name string, content []byte) error {
	if !filepath.IsAbs(name) {
		name = filepath.Join(c.home, name)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := os.WriteFile(name, content, 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// OpenShell starts cmd, or an interactive login shell, on a new PTY. The
// process outlives ctx; Close ends it.
func (c *localConn) OpenShell(_ context.Context, cmd string, rows, cols int) (ssh.Shell, error) {
	var command *exec.Cmd
	if cmd == "" {
		command = exec.Command(c.shell, "-l")
	} else {
		command = exec.Command(c.shell, "-c", cmd)
	}
	command.Dir = c.home
	command.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(command, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &localShell{pty: f, cmd: command}, nil
}

func (c *localConn) Close() error {
	return nil
}

type localShell struct {
	pty       *os.File
	cmd       *exec.Cmd
	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

func (s *localShell) Read(p []byte) (int, error) {
	return s.pty.Read(p)
}

func (s *localShell) Write(p []byte) (int, error) {
	return s.pty.Write(p)
}

func (s *localShell) Resize(rows, cols int) error {
	return pty.Setsize(s.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (s *localShell) Wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *localShell) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.pty.Close()
		go s.Wait()
	})
	return nil
}
