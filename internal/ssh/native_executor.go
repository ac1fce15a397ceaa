package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/scanfleet/internal/logging"
	xssh "golang.org/x/crypto/ssh"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 15 * time.Second
	defaultPoolSize          = 4
)

// NativeExecutor runs commands with golang.org/x/crypto/ssh, reusing one
// client connection per target.
type NativeExecutor struct {
	options ConnectionOptions
	config  *xssh.ClientConfig
	pool    *connectionPool
	agent   *agentConn
	logger  zerolog.Logger

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	PassphrasePrompt  PassphrasePrompt
}

// NativeOption configures a NativeExecutor.
type NativeOption func(*NativeExecutor)

// WithKeepAlive sets the keep-alive interval and reply timeout.
func WithKeepAlive(interval, timeout time.Duration) NativeOption {
	return func(e *NativeExecutor) {
		e.KeepAliveInterval = interval
		e.KeepAliveTimeout = timeout
	}
}

// WithPoolSize bounds the number of cached connections.
func WithPoolSize(size int) NativeOption {
	return func(e *NativeExecutor) {
		if size > 0 {
			e.pool.maxSize = size
		}
	}
}

// WithPassphrasePrompt sets the callback for encrypted keys.
func WithPassphrasePrompt(prompt PassphrasePrompt) NativeOption {
	return func(e *NativeExecutor) {
		e.PassphrasePrompt = prompt
	}
}

// NewNativeExecutor resolves authentication and host key policy. No
// connection is made until the first command.
func NewNativeExecutor(options ConnectionOptions, opts ...NativeOption) (*NativeExecutor, error) {
	if options.Host == "" {
		return nil, ErrMissingHost
	}
	if options.Timeout <= 0 {
		options.Timeout = defaultTimeout
	}

	e := &NativeExecutor{
		options:           options,
		pool:              newConnectionPool(defaultPoolSize),
		logger:            logging.Component("ssh"),
		KeepAliveInterval: defaultKeepAliveInterval,
		KeepAliveTimeout:  defaultKeepAliveTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	config, err := e.buildConfig()
	if err != nil {
		e.agent.Close()
		return nil, fmt.Errorf("failed to build SSH config: %w", err)
	}
	e.config = config
	return e, nil
}

func (e *NativeExecutor) buildConfig() (*xssh.ClientConfig, error) {
	var auths []xssh.AuthMethod

	if e.options.Password != "" {
		password := e.options.Password
		auths = append(auths,
			xssh.Password(password),
			xssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if e.options.KeyPath != "" {
		signer, err := LoadPrivateKey(e.options.KeyPath, e.PassphrasePrompt)
		if err != nil {
			return nil, err
		}
		auths = append(auths, xssh.PublicKeys(signer))
	} else if e.options.Password == "" {
		if agent, err := connectAgent(); err == nil {
			e.agent = agent
			auths = append(auths, agent.authMethod())
		}
		var signers []xssh.Signer
		for _, path := range defaultKeyPaths() {
			if signer, err := LoadPrivateKey(path, nil); err == nil {
				signers = append(signers, signer)
			}
		}
		if len(signers) > 0 {
			auths = append(auths, xssh.PublicKeys(signers...))
		}
	}

	if len(auths) == 0 {
		return nil, ErrNoAuthMethods
	}

	callback, err := hostKeyCallback(e.options.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	return &xssh.ClientConfig{
		User:            e.options.User,
		Auth:            auths,
		HostKeyCallback: callback,
		Timeout:         e.options.Timeout,
	}, nil
}

func (e *NativeExecutor) targetAddr() string {
	port := e.options.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.options.Host, strconv.Itoa(port))
}

// client returns a pooled connection, dialing when none is live.
func (e *NativeExecutor) client(ctx context.Context) (*xssh.Client, error) {
	addr := e.targetAddr()
	if conn := e.pool.get(addr); conn != nil {
		return conn.client, nil
	}

	client, err := e.dial(ctx, addr)
	if err != nil {
		return nil, &DialError{Addr: addr, Err: err}
	}

	conn := e.pool.put(addr, client)
	go e.keepAlive(addr, conn)
	return client, nil
}

func (e *NativeExecutor) dial(ctx context.Context, addr string) (*xssh.Client, error) {
	var netConn net.Conn
	var err error

	if e.options.ProxyJump != "" {
		netConn, err = e.dialViaJump(ctx, addr)
	} else {
		dialer := net.Dialer{Timeout: e.options.Timeout}
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(e.options.Timeout))
	}
	clientConn, chans, reqs, err := xssh.NewClientConn(netConn, addr, e.config)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})

	return xssh.NewClient(clientConn, chans, reqs), nil
}

func (e *NativeExecutor) dialViaJump(ctx context.Context, addr string) (net.Conn, error) {
	user, host, port := parseSSHTarget(e.options.ProxyJump)
	if user == "" {
		user = e.options.User
	}
	if port == "" {
		port = "22"
	}

	jumpConfig := *e.config
	jumpConfig.User = user
	jumpAddr := net.JoinHostPort(host, port)

	dialer := net.Dialer{Timeout: e.options.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", jumpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial jump host %s: %w", jumpAddr, err)
	}
	jumpConn, chans, reqs, err := xssh.NewClientConn(raw, jumpAddr, &jumpConfig)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("jump host handshake: %w", err)
	}
	jump := xssh.NewClient(jumpConn, chans, reqs)

	conn, err := jump.Dial("tcp", addr)
	if err != nil {
		jump.Close()
		return nil, fmt.Errorf("dial %s via jump host: %w", addr, err)
	}
	return conn, nil
}

// parseSSHTarget splits [user@]host[:port].
func parseSSHTarget(target string) (user, host, port string) {
	host = target
	if at := strings.LastIndex(host, "@"); at >= 0 {
		user = host[:at]
		host = host[at+1:]
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	return user, host, port
}

func (e *NativeExecutor) keepAlive(addr string, conn *pooledConn) {
	if e.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := conn.client.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()

		var err error
		select {
		case err = <-reply:
		case <-time.After(e.KeepAliveTimeout):
			err = errors.New("keep-alive timed out")
		case <-conn.done:
			return
		}
		if err != nil {
			e.logger.Debug().Err(err).Str("addr", addr).Msg("dropping dead ssh connection")
			e.pool.remove(addr, conn)
			return
		}
	}
}

func (e *NativeExecutor) newSession(ctx context.Context) (*xssh.Session, error) {
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}

	// The pooled connection may have died since the last keep-alive.
	e.pool.remove(e.targetAddr(), e.pool.get(e.targetAddr()))
	client, err = e.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.NewSession()
}

// Exec runs a command and returns its stdout and stderr output.
func (e *NativeExecutor) Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error) {
	return e.run(ctx, cmd, nil)
}

// ExecInteractive runs a command, streaming stdin to the remote process.
func (e *NativeExecutor) ExecInteractive(ctx context.Context, cmd string, stdin io.Reader) error {
	_, _, err := e.run(ctx, cmd, stdin)
	return err
}

func (e *NativeExecutor) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := e.newSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		session.Close()
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), ctx.Err()
	case err = <-done:
	}

	stdout, stderr := stdoutBuf.Bytes(), stderrBuf.Bytes()
	if err != nil {
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout, stderr, &ExecError{
				Command:  cmd,
				ExitCode: exitErr.ExitStatus(),
				Stdout:   stdout,
				Stderr:   stderr,
				Err:      err,
			}
		}
		return stdout, stderr, err
	}
	return stdout, stderr, nil
}

// OpenShell starts cmd on a remote PTY of the given size.
func (e *NativeExecutor) OpenShell(ctx context.Context, cmd string, rows, cols int) (Shell, error) {
	session, err := e.newSession(ctx)
	if err != nil {
		return nil, err
	}

	modes := xssh.TerminalModes{
		xssh.ECHO:          1,
		xssh.TTY_OP_ISPEED: 14400,
		xssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	if cmd == "" {
		err = session.Shell()
	} else {
		err = session.Start(cmd)
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &nativeShell{session: session, stdin: stdin, stdout: stdout}, nil
}

// Close drops every pooled connection.
func (e *NativeExecutor) Close() error {
	err := e.pool.closeAll()
	if agentErr := e.agent.Close(); err == nil {
		err = agentErr
	}
	return err
}

type nativeShell struct {
	session *xssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	once    sync.Once
}

func (s *nativeShell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *nativeShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *nativeShell) Resize(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *nativeShell) Wait() error {
	return s.session.Wait()
}

func (s *nativeShell) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

type pooledConn struct {
	client   *xssh.Client
	lastUsed time.Time
	done     chan struct{}
}

type connectionPool struct {
	mu      sync.Mutex
	maxSize int
	conns   map[string]*pooledConn
}

func newConnectionPool(size int) *connectionPool {
	return &connectionPool{maxSize: size, conns: make(map[string]*pooledConn)}
}

func (p *connectionPool) get(addr string) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[addr]
	if !ok {
		return nil
	}
	conn.lastUsed = time.Now()
	return conn
}

// put stores client, closing any previous connection for addr and evicting
// the least recently used entry when full.
func (p *connectionPool) put(addr string, client *xssh.Client) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.conns[addr]; ok {
		old.close()
		delete(p.conns, addr)
	}
	if p.maxSize > 0 && len(p.conns) >= p.maxSize {
		var oldestAddr string
		var oldest *pooledConn
		for a, c := range p.conns {
			if oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
				oldestAddr, oldest = a, c
			}
		}
		if oldest != nil {
			oldest.close()
			delete(p.conns, oldestAddr)
		}
	}

	conn := &pooledConn{client: client, lastUsed: time.Now(), done: make(chan struct{})}
	p.conns[addr] = conn
	return conn
}

// remove drops conn if it is still the pooled entry for addr.
func (p *connectionPool) remove(addr string, conn *pooledConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.conns[addr]; ok && current == conn {
		delete(p.conns, addr)
	}
	conn.close()
}

func (p *connectionPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, conn := range p.conns {
		if err := conn.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, addr)
	}
	return firstErr
}

func (c *pooledConn) close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	return c.client.Close()
}
