// Package agentexec submits command batches to fleetroll-agent over HTTP.
package agentexec

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetroll/internal/agent"
	"github.com/3cpo-dev/fleetroll/internal/executor"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

const (
	Name        = "agent"
	DefaultPort = 8088
)

// Options configures the transport.
type Options struct {
	Token             string
	Port              int
	TLS               *tls.Config
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	// CommandTimeout is forwarded to the agent as the batch execution limit.
	CommandTimeout time.Duration
}

type Executor struct {
	opts   Options
	client *executor.RetryableHTTPClient
	scheme string
	logger zerolog.Logger
}

// New returns an agent executor.
func New(opts Options) *Executor {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		scheme = "https"
		transport.TLSClientConfig = opts.TLS
	}
	hc := &http.Client{Timeout: opts.RequestTimeout, Transport: transport}
	return &Executor{
		opts:   opts,
		client: executor.NewRetryableHTTPClient(hc, opts.RequestsPerSecond),
		scheme: scheme,
		logger: log.With().Str("component", "agentexec").Logger(),
	}
}

func (e *Executor) Name() string { return Name }

func (e *Executor) baseURL(address string) (string, error) {
	if address == "" {
		return "", errors.New("no address")
	}
	if u, err := url.Parse(address); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return u.Scheme + "://" + u.Host, nil
	}
	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(address, strconv.Itoa(e.opts.Port))
	}
	return e.scheme + "://" + host, nil
}

func (e *Executor) do(ctx context.Context, method, u string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.opts.Token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &executor.StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify maps transport and status failures to executor errors. Failures
// to connect are wrapped with connectErr.
func classify(err error, connectErr error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *executor.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", executor.ErrAuthenticationFailed, err)
		case se.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", executor.ErrHandleExpired, err)
		case se.Code == http.StatusTooManyRequests || se.Code >= 500:
			return fmt.Errorf("%w: %v", executor.ErrTransient, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", connectErr, err)
	}
	return err
}

// Submit posts the batch to the agent on entry.Address.
func (e *Executor) Submit(ctx context.Context, entry api.HostEntry, commands []string) (api.CommandHandle, error) {
	base, err := e.baseURL(entry.Address)
	if err != nil {
		return api.CommandHandle{}, fmt.Errorf("%w: host %s: %v", executor.ErrHostUnreachable, entry.Name, err)
	}
	req := agent.SubmitRequest{Host: entry.Name, Commands: commands}
	if e.opts.CommandTimeout > 0 {
		req.TimeoutSeconds = int(e.opts.CommandTimeout.Seconds())
	}
	var resp agent.SubmitResponse
	if err := e.do(ctx, http.MethodPost, base+"/v0/commands", req, &resp); err != nil {
		err = classify(err, executor.ErrHostUnreachable)
		if errors.Is(err, executor.ErrHandleExpired) {
			err = fmt.Errorf("agent on %s does not accept commands: %v", entry.Name, err)
		}
		return api.CommandHandle{}, fmt.Errorf("submit to %s: %w", entry.Name, err)
	}
	e.logger.Debug().Str("host", entry.Name).Str("handle", resp.ID).Msg("batch accepted")
	return api.CommandHandle{
		ID:          resp.ID,
		Host:        entry.Name,
		Transport:   Name,
		Target:      base,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll reads the invocation from the agent.
func (e *Executor) Poll(ctx context.Context, handle api.CommandHandle) (api.Invocation, error) {
	var inv agent.Invocation
	if err := e.do(ctx, http.MethodGet, handle.Target+"/v0/commands/"+url.PathEscape(handle.ID), nil, &inv); err != nil {
		return api.Invocation{}, fmt.Errorf("poll %s: %w", handle.ID, classify(err, executor.ErrTransient))
	}
	out := api.Invocation{State: inv.State}
	if out.State.Terminal() {
		out.Stdout = inv.Stdout
		out.Stderr = inv.Stderr
	}
	return out, nil
}

// Heartbeat checks that the agent on address answers.
func (e *Executor) Heartbeat(ctx context.Context, address string) (agent.HeartbeatResponse, error) {
	var hb agent.HeartbeatResponse
	base, err := e.baseURL(address)
	if err != nil {
		return hb, err
	}
	err = e.do(ctx, http.MethodGet, base+"/v0/heartbeat", nil, &hb)
	return hb, err
}
