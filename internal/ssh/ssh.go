package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrAuth marks handshake failures caused by credentials or host keys.
var ErrAuth = errors.New("ssh authentication failed")

// DialError is a failure to reach or authenticate against a host.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("dial %s: %v", e.Addr, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// Client holds what is needed to open sessions on one host.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	UseAgent   bool
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) authMethods() ([]xssh.AuthMethod, error) {
	var methods []xssh.AuthMethod
	if c.Signer != nil {
		methods = append(methods, xssh.PublicKeys(c.Signer))
	}
	if c.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err == nil {
				methods = append(methods, xssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			} else {
				log.Debug().Err(err).Msg("ssh agent unavailable")
			}
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no signer and no ssh agent", ErrAuth)
	}
	return methods, nil
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys := c.KnownHosts
	if hostKeys == nil {
		log.Warn().Str("addr", c.Addr).Msg("no known_hosts configured, host key not verified")
		hostKeys = xssh.InsecureIgnoreHostKey()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// Dial connects and authenticates, retrying network failures with a linear
// backoff. Authentication failures are not retried.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, &DialError{Addr: c.Addr, Err: err}
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= max(c.Retries, 0); attempt++ {
		cli, err := dialOnce(ctx, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if errors.Is(err, ErrAuth) || ctx.Err() != nil {
			break
		}
		if attempt < c.Retries {
			select {
			case <-ctx.Done():
				return nil, &DialError{Addr: c.Addr, Err: ctx.Err()}
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, &DialError{Addr: c.Addr, Err: lastErr}
}

func dialOnce(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	nd := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	cc, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(err)
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(cc, chans, reqs), nil
}

func classifyHandshake(err error) error {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) || strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return err
}

// Run executes command in a new session and returns its output. A non-zero
// exit status is reported as *xssh.ExitError together with the output.
func Run(ctx context.Context, cli *xssh.Client, command string) (string, string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		return "", "", ctx.Err()
	case err := <-done:
		return stdout.String(), stderr.String(), err
	}
}

// RunCommand dials, runs command and closes the connection.
func (c *Client) RunCommand(ctx context.Context, command string) (string, string, error) {
	cli, err := Dial(ctx, c)
	if err != nil {
		return "", "", err
	}
	defer cli.Close()
	return Run(ctx, cli, command)
}
