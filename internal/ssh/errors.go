package ssh

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingHost indicates no host was provided in connection options.
	ErrMissingHost = errors.New("ssh host is required")

	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrSSHAgentUnavailable = errors.New("ssh agent not available")
	ErrNoAuthMethods       = errors.New("no authentication methods available")
)

// ExecError wraps command failures with exit details.
type ExecError struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("ssh command failed (exit=%d): %s", e.ExitCode, e.Command)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// DialError reports a failed connection or handshake.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("ssh connect to %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
