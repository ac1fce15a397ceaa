package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
)

// SystemExecutor runs SSH commands using the system ssh binary. It relies on
// keys or an agent; passwords are not supported.
type SystemExecutor struct {
	options ConnectionOptions
	binary  string
}

// NewSystemExecutor creates a new SystemExecutor with the given options.
func NewSystemExecutor(options ConnectionOptions) *SystemExecutor {
	return &SystemExecutor{options: options, binary: "ssh"}
}

// SetBinary overrides the ssh binary path.
func (e *SystemExecutor) SetBinary(path string) {
	if path != "" {
		e.binary = path
	}
}

// Exec runs a command and returns its stdout and stderr output.
func (e *SystemExecutor) Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error) {
	return e.exec(ctx, cmd, nil)
}

// ExecInteractive runs a command, streaming stdin to the remote process.
func (e *SystemExecutor) ExecInteractive(ctx context.Context, cmd string, stdin io.Reader) error {
	_, _, err := e.exec(ctx, cmd, stdin)
	return err
}

// Close is a no-op; every command uses its own ssh process.
func (e *SystemExecutor) Close() error {
	return nil
}

func (e *SystemExecutor) exec(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	if e.options.Host == "" {
		return nil, nil, ErrMissingHost
	}

	args, target := buildSSHArgs(e.options)
	args = append(args, target, cmd)

	command := exec.CommandContext(ctx, e.binary, args...)
	if stdin != nil {
		command.Stdin = stdin
	}

	var stdoutBuf bytes.Buffer
	var stderrBuf bytes.Buffer
	command.Stdout = &stdoutBuf
	command.Stderr = &stderrBuf

	err := command.Run()
	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()
	if err != nil {
		return stdout, stderr, wrapExecError(err, cmd, stdout, stderr)
	}
	return stdout, stderr, nil
}

func buildSSHArgs(options ConnectionOptions) ([]string, string) {
	// BatchMode keeps ssh from blocking on a password prompt.
	args := []string{"-o", "BatchMode=yes"}
	if options.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d", options.Port))
	}
	if options.KeyPath != "" {
		args = append(args, "-i", options.KeyPath)
	}
	if options.AgentForwarding {
		args = append(args, "-A")
	}
	if options.ProxyJump != "" {
		args = append(args, "-J", options.ProxyJump)
	}
	if options.KnownHostsPath != "" {
		args = append(args,
			"-o", "StrictHostKeyChecking=yes",
			"-o", fmt.Sprintf("UserKnownHostsFile=%s", options.KnownHostsPath),
		)
	} else {
		args = append(args,
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
		)
	}
	if options.Timeout > 0 {
		seconds := int(math.Ceil(options.Timeout.Seconds()))
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", seconds))
	}

	target := options.Host
	if options.User != "" {
		target = fmt.Sprintf("%s@%s", options.User, options.Host)
	}
	return args, target
}

func wrapExecError(err error, cmd string, stdout, stderr []byte) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecError{
			Command:  cmd,
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout,
			Stderr:   stderr,
			Err:      err,
		}
	}
	return err
}
