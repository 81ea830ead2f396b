package connector

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/updall/updall/logger"
)

// Config carries the parameters needed to open one SSH connection.
// Authentication is key-based only; SSH passwords are not supported.
type Config struct {
	Username    string
	Address     string
	Port        int
	PrivateKey  string
	KeyFile     string
	AgentSocket string
	Timeout     time.Duration
}

const socketEnvPrefix = "env:"

var _ Connection = (*sshConnection)(nil)

type sshConnection struct {
	mu         sync.Mutex
	sshclient  *ssh.Client
	sftpclient *sftp.Client
	config     Config

	connCtx    context.Context
	connCancel context.CancelFunc

	agentSocketConn net.Conn
}

// NewSSHConnection dials the configured host. Dial failures are returned as
// *ConnectionError so callers can distinguish retryable failures from
// rejected authentication.
func NewSSHConnection(cfg Config) (Connection, error) {
	var err error
	cfg, err = validateConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to validate ssh connection parameters")
	}

	authMethods := make([]ssh.AuthMethod, 0)
	conn := &sshConnection{config: cfg}

	if len(cfg.PrivateKey) > 0 {
		signer, parseErr := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "the given SSH key could not be parsed")
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(cfg.AgentSocket) > 0 {
		addr := cfg.AgentSocket
		if strings.HasPrefix(cfg.AgentSocket, socketEnvPrefix) {
			envName := strings.TrimPrefix(cfg.AgentSocket, socketEnvPrefix)
			if envAddr := os.Getenv(envName); len(envAddr) > 0 {
				addr = envAddr
			} else {
				logger.Log.Warnf("SSH agent environment variable %s not found, using original socket string %s", envName, addr)
			}
		}

		var dialErr error
		conn.agentSocketConn, dialErr = net.Dial("unix", addr)
		if dialErr != nil {
			return nil, errors.Wrapf(dialErr, "could not open SSH agent socket %q", addr)
		}

		agentClient := agent.NewClient(conn.agentSocketConn)
		signers, signersErr := agentClient.Signers()
		if signersErr != nil {
			_ = conn.agentSocketConn.Close()
			conn.agentSocketConn = nil
			return nil, errors.Wrap(signersErr, "error when creating signer for SSH agent")
		}
		authMethods = append(authMethods, ssh.PublicKeys(signers...))
	}

	sshClientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Timeout:         cfg.Timeout,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	endpoint := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	client, err := ssh.Dial("tcp", endpoint, sshClientConfig)
	if err != nil {
		conn.cleanupAgentSocket()
		return nil, classifyDialError(endpoint, err)
	}

	conn.sshclient = client
	conn.connCtx, conn.connCancel = context.WithCancel(context.Background())
	return conn, nil
}

func (c *sshConnection) cleanupAgentSocket() {
	if c.agentSocketConn != nil {
		_ = c.agentSocketConn.Close()
		c.agentSocketConn = nil
	}
}

func validateConfig(cfg Config) (Config, error) {
	if len(cfg.Username) == 0 {
		return cfg, errors.New("no username specified for SSH connection")
	}
	if len(cfg.Address) == 0 {
		return cfg, errors.New("no address specified for SSH connection")
	}
	if len(cfg.PrivateKey) == 0 && len(cfg.KeyFile) == 0 && len(cfg.AgentSocket) == 0 {
		return cfg, errors.New("must specify at least one of private key, keyfile or agent socket")
	}

	if len(cfg.PrivateKey) == 0 && len(cfg.KeyFile) > 0 {
		content, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read keyfile %q", cfg.KeyFile)
		}
		cfg.PrivateKey = string(content)
	}

	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg, nil
}

func (c *sshConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshclient == nil && c.sftpclient == nil && c.agentSocketConn == nil {
		return nil
	}

	if c.connCancel != nil {
		c.connCancel()
	}

	var closeErrs []string
	if c.sftpclient != nil {
		if err := c.sftpclient.Close(); err != nil {
			closeErrs = append(closeErrs, "sftp close error: "+err.Error())
		}
		c.sftpclient = nil
	}
	if c.sshclient != nil {
		if err := c.sshclient.Close(); err != nil {
			closeErrs = append(closeErrs, "ssh close error: "+err.Error())
		}
		c.sshclient = nil
	}
	if c.agentSocketConn != nil {
		if err := c.agentSocketConn.Close(); err != nil {
			closeErrs = append(closeErrs, "agent socket close error: "+err.Error())
		}
		c.agentSocketConn = nil
	}
	if len(closeErrs) > 0 {
		return errors.New(strings.Join(closeErrs, "; "))
	}
	return nil
}

func (c *sshConnection) newSession(ctx context.Context, wantPty bool) (*ssh.Session, error) {
	c.mu.Lock()
	client := c.sshclient
	c.mu.Unlock()

	if client == nil {
		return nil, errors.New("ssh connection is closed or not initialized")
	}

	opCtx, opCancel := context.WithCancel(ctx)
	defer opCancel()
	go func() {
		select {
		case <-c.connCtx.Done():
			opCancel()
		case <-opCtx.Done():
		}
	}()

	var sess *ssh.Session
	sessionDone := make(chan error, 1)
	go func() {
		s, e := client.NewSession()
		if e != nil {
			sessionDone <- e
			return
		}
		sess = s
		sessionDone <- nil
	}()

	select {
	case <-opCtx.Done():
		return nil, errors.Wrap(opCtx.Err(), "failed to create ssh session (context cancelled)")
	case err := <-sessionDone:
		if err != nil {
			return nil, errors.Wrap(err, "failed to create ssh session")
		}
	}

	if wantPty {
		// ECHO off so the secret is not reflected into the captured output.
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if ptyErr := sess.RequestPty("xterm", 100, 50, modes); ptyErr != nil {
			_ = sess.Close()
			return nil, errors.Wrap(ptyErr, "failed to request PTY")
		}
	}
	return sess, nil
}

// Exec runs a command non-interactively and returns its combined output.
func (c *sshConnection) Exec(ctx context.Context, cmd string) ([]byte, int, error) {
	sess, err := c.newSession(ctx, false)
	if err != nil {
		return nil, -1, errors.Wrap(err, "failed to create session for Exec")
	}
	defer sess.Close()

	var outBuf bytes.Buffer
	var outMu sync.Mutex
	w := &lockedWriter{buf: &outBuf, mu: &outMu}
	sess.Stdout = w
	sess.Stderr = w

	if err := sess.Start(strings.TrimSpace(cmd)); err != nil {
		return nil, -1, errors.Wrapf(err, "failed to start command: %s", cmd)
	}

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGINT)
		select {
		case <-time.After(250 * time.Millisecond):
		case <-waitDone:
		}
		_ = sess.Close()
		outMu.Lock()
		output := append([]byte(nil), outBuf.Bytes()...)
		outMu.Unlock()
		return output, -1, errors.Wrap(ctx.Err(), "command execution cancelled")

	case waitErr := <-waitDone:
		outMu.Lock()
		output := append([]byte(nil), outBuf.Bytes()...)
		outMu.Unlock()

		if waitErr == nil {
			return output, 0, nil
		}
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			return output, exitErr.ExitStatus(), nil
		}
		return output, -1, errors.Wrapf(waitErr, "command %q did not report an exit status", cmd)
	}
}

type lockedWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Shell spawns a command for interactive driving. With a PTY attached stderr
// is folded into the terminal stream; without one both pipes feed the same
// reader.
func (c *sshConnection) Shell(ctx context.Context, cmd string, wantPty bool) (Shell, error) {
	sess, err := c.newSession(ctx, wantPty)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session for Shell")
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, errors.Wrap(err, "failed to get stdin pipe")
	}

	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if err := sess.Start(strings.TrimSpace(cmd)); err != nil {
		_ = sess.Close()
		_ = pw.Close()
		return nil, errors.Wrapf(err, "failed to start command: %s", cmd)
	}

	return &sshShell{sess: sess, stdin: stdin, out: pr, pw: pw}, nil
}

type sshShell struct {
	sess  *ssh.Session
	stdin io.WriteCloser
	out   *io.PipeReader
	pw    *io.PipeWriter

	closeOnce sync.Once
}

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Output() io.Reader {
	return s.out
}

func (s *sshShell) Wait() (int, error) {
	err := s.sess.Wait()
	_ = s.pw.Close()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), nil
	}
	return -1, errors.Wrap(err, "session did not report an exit status")
}

func (s *sshShell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.sess.Signal(ssh.SIGINT)
		_ = s.stdin.Close()
		err = s.sess.Close()
		_ = s.pw.Close()
	})
	return err
}

// Fetch opens a remote file over SFTP. The SFTP channel is created lazily on
// first use and kept for the connection's lifetime.
func (c *sshConnection) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.sftpclient == nil {
		if c.sshclient == nil {
			c.mu.Unlock()
			return nil, errors.New("ssh connection is closed or not initialized")
		}
		client, err := sftp.NewClient(c.sshclient)
		if err != nil {
			c.mu.Unlock()
			return nil, errors.Wrap(err, "failed to create SFTP client")
		}
		c.sftpclient = client
	}
	sftpClient := c.sftpclient
	c.mu.Unlock()

	f, err := sftpClient.Open(path)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(strings.ToLower(err.Error()), "no such file") {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrapf(err, "sftp: failed to open remote file %s", path)
	}
	return f, nil
}
