// Package ssh runs commands and interactive shells on remote nodes.
package ssh

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/models"
)

// Executor runs commands over SSH.
type Executor interface {
	// Exec runs a command and returns its stdout and stderr output.
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)

	// ExecInteractive runs a command, streaming stdin to the remote process.
	ExecInteractive(ctx context.Context, cmd string, stdin io.Reader) error

	// Close releases any resources held by the executor.
	Close() error
}

// ShellOpener is an Executor that can also allocate pseudo-terminals.
type ShellOpener interface {
	Executor

	// OpenShell starts cmd (or the login shell when cmd is empty) on a PTY.
	OpenShell(ctx context.Context, cmd string, rows, cols int) (Shell, error)
}

// Shell is a running process attached to a pseudo-terminal. Reads return
// the terminal output; writes are keystrokes.
type Shell interface {
	io.ReadWriter

	// Resize changes the terminal geometry.
	Resize(rows, cols int) error

	// Wait blocks until the process exits.
	Wait() error

	Close() error
}

// ConnectionOptions configures how an SSH connection is established.
type ConnectionOptions struct {
	// Host is the target host name or IP.
	Host string

	// Port is the SSH port (defaults to 22 when unset).
	Port int

	User string

	// Password enables password and keyboard-interactive auth.
	Password string

	// KeyPath is an optional path to the private key.
	KeyPath string

	// KnownHostsPath enables host key verification. Host keys are not
	// checked when it is empty.
	KnownHostsPath string

	// AgentForwarding enables SSH agent forwarding when supported.
	AgentForwarding bool

	// ProxyJump specifies a bastion host to reach the target (user@host:port).
	ProxyJump string

	// Timeout controls how long to wait when establishing connections.
	Timeout time.Duration
}

// OptionsForNode builds connection options from a node record, falling back
// to the fleet-wide defaults.
func OptionsForNode(node *models.Node, defaults config.NodeConfig) ConnectionOptions {
	opts := ConnectionOptions{
		Host:           node.IPAddress,
		Port:           node.SSHPort,
		User:           node.Username,
		Password:       node.Password,
		KeyPath:        node.SSHKeyPath,
		KnownHostsPath: defaults.KnownHostsPath,
		Timeout:        defaults.SSHTimeout,
	}
	if opts.Port == 0 {
		opts.Port = models.DefaultSSHPort
	}
	if opts.User == "" {
		opts.User = models.DefaultSSHUser
	}
	if opts.KeyPath == "" && opts.Password == "" {
		opts.KeyPath = defaults.SSHKeyPath
	}
	return opts
}

// NewExecutor creates an executor for the requested backend.
func NewExecutor(backend models.SSHBackend, opts ConnectionOptions) (Executor, error) {
	switch backend {
	case "", models.SSHBackendNative:
		return NewNativeExecutor(opts)
	case models.SSHBackendSystem:
		if opts.Host == "" {
			return nil, ErrMissingHost
		}
		return NewSystemExecutor(opts), nil
	default:
		return nil, fmt.Errorf("unknown ssh backend %q", backend)
	}
}
