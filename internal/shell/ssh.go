// Package shell provides the SSH implementation of the duplex shell-stream
// contract the bridge consumes. It owns connection establishment and PTY
// negotiation; the bridge never sees anything but bytes and geometry.
package shell

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"termgate/internal/models"
)

// Config holds connection parameters for one remote shell host.
//
// Authentication methods are evaluated in priority order by
// buildAuthMethods. Configure only the methods appropriate for your
// environment.
type Config struct {
	// Addr is the remote host address, e.g. "10.0.0.1:22".
	Addr string

	// User is the account used on the remote host.
	User string

	// Password authenticates with a password. Development and testing
	// only.
	Password string

	// PrivateKey is a static key held by the gateway; must be present in
	// the host's authorized_keys.
	PrivateKey ssh.Signer

	// CertSigner is a short-lived certificate issued by a trusted CA.
	CertSigner ssh.Signer

	// AgentForwarding uses the actor's forwarded SSH agent; their key
	// never touches this process.
	AgentForwarding bool
}

// Client manages one SSH connection to a remote host. One Client is created
// per session; OpenStream carves the interactive channel out of it.
type Client struct {
	config Config
	conn   *ssh.Client
}

// Dial establishes an SSH connection to the host described by cfg.
// clientAgent may be nil — it is only consulted when AgentForwarding is
// set.
func Dial(cfg Config, clientAgent agent.Agent) (*Client, error) {
	c := &Client{config: cfg}

	methods := c.buildAuthMethods(clientAgent)
	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method configured for host %s", cfg.Addr)
	}

	sshCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: methods,
		// TODO: known_hosts / CA pinning once host keys are inventoried.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		// Fail fast when the host is unreachable — do not hang the
		// request layer.
		Timeout: 10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", cfg.Addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("dial host %s: %w", cfg.Addr, err)
	}

	c.conn = conn
	return c, nil
}

// DialWithConn establishes the SSH handshake over an existing net.Conn.
// Used in tests to inject a pre-wired connection, and for tunnelled hosts.
func DialWithConn(cfg Config, netConn net.Conn, clientAgent agent.Agent) (*Client, error) {
	c := &Client{config: cfg}

	methods := c.buildAuthMethods(clientAgent)
	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method configured for host %s", cfg.Addr)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, cfg.Addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with host %s: %w", cfg.Addr, err)
	}

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	return c, nil
}

// OpenStream opens an interactive session channel and wires its pipes into
// a models.ShellStream. The stream's Shell method performs the pty-req and
// shell requests; nothing is read from the remote before that.
//
// Closing the stream closes the whole client connection — one stream per
// client, bound to one bridge.
func (c *Client) OpenStream(term string, cols, rows int) (models.ShellStream, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("shell: client not connected")
	}
	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("shell: open session on %s: %w", c.config.Addr, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("shell: stdin pipe: %w", err)
	}

	// Remote stdout and stderr are merged into one ordered byte stream —
	// the bridge exposes a single output path.
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if term == "" {
		term = "xterm-256color"
	}

	return &Stream{
		client: c,
		sess:   sess,
		stdin:  stdin,
		pr:     pr,
		pw:     pw,
		term:   term,
		cols:   cols,
		rows:   rows,
	}, nil
}

// Addr returns the remote host address (host:port).
func (c *Client) Addr() string {
	return c.config.Addr
}

// Close terminates the SSH connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// buildAuthMethods constructs the SSH auth method list from Config. Order
// matters — the client tries each in sequence until one succeeds.
//
// Priority (most secure first): agent forwarding, CA certificate, static
// private key, password.
func (c *Client) buildAuthMethods(clientAgent agent.Agent) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if c.config.AgentForwarding && clientAgent != nil {
		methods = append(methods, ssh.PublicKeysCallback(clientAgent.Signers))
	}

	if c.config.CertSigner != nil {
		methods = append(methods, ssh.PublicKeys(c.config.CertSigner))
	}

	if c.config.PrivateKey != nil {
		methods = append(methods, ssh.PublicKeys(c.config.PrivateKey))
	}

	if c.config.Password != "" {
		methods = append(methods, ssh.Password(c.config.Password))
	}

	return methods
}

// Stream adapts an *ssh.Session to models.ShellStream.
type Stream struct {
	client *Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	pr     *io.PipeReader
	pw     *io.PipeWriter
	term   string
	cols   int
	rows   int

	mu       sync.Mutex
	exitCode int
	exited   bool
	closed   bool
}

var _ models.ShellStream = (*Stream)(nil)

// Shell requests a PTY with the negotiated geometry and starts the remote
// shell. A background waiter records the exit status and ends the read side
// with EOF when the shell terminates.
func (s *Stream) Shell() error {
	if err := s.sess.RequestPty(s.term, s.rows, s.cols, ssh.TerminalModes{}); err != nil {
		return fmt.Errorf("shell: request pty: %w", err)
	}
	if err := s.sess.Shell(); err != nil {
		return fmt.Errorf("shell: start remote shell: %w", err)
	}

	go func() {
		err := s.sess.Wait()

		s.mu.Lock()
		s.exited = true
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			s.exitCode = exitErr.ExitStatus()
		}
		s.mu.Unlock()

		// EOF, not an error — the bridge treats remote termination as a
		// normal close.
		s.pw.Close()
	}()

	return nil
}

// Read returns merged remote stdout/stderr bytes.
func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Write forwards bytes to the remote shell's stdin.
func (s *Stream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Resize propagates a geometry change to the remote PTY.
func (s *Stream) Resize(cols, rows int) error {
	if err := s.sess.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("shell: window change: %w", err)
	}
	return nil
}

// ExitStatus reports the remote exit code once the shell has terminated.
func (s *Stream) ExitStatus() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exited
}

// Close tears down the session and the underlying connection. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pw.Close()
	s.sess.Close()
	return s.client.Close()
}
