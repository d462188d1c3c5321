// Package sshexec runs command batches over SSH. A batch is uploaded as a
// script with SFTP and started detached, so Submit returns immediately and
// Poll reads the recorded exit code.
package sshexec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/fleetroll/internal/executor"
	fssh "github.com/3cpo-dev/fleetroll/internal/ssh"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

const (
	Name           = "ssh"
	DefaultWorkDir = "/tmp/fleetroll"

	scriptFile = "run.sh"
	stdoutFile = "stdout"
	stderrFile = "stderr"
	exitFile   = "exit_code"
)

// Options configures the transport.
type Options struct {
	User        string
	Port        int
	Signer      xssh.Signer
	UseAgent    bool
	KnownHosts  xssh.HostKeyCallback
	DialTimeout time.Duration
	Retries     int
	WorkDir     string
	// OutputLimit bounds how much of each output file Poll reads.
	OutputLimit int64
}

type Executor struct {
	opts   Options
	logger zerolog.Logger
}

// New returns an ssh executor.
func New(opts Options) *Executor {
	if opts.User == "" {
		opts.User = "ubuntu"
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.WorkDir == "" {
		opts.WorkDir = DefaultWorkDir
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = 64 << 10
	}
	return &Executor{opts: opts, logger: log.With().Str("component", "sshexec").Logger()}
}

func (e *Executor) Name() string { return Name }

func (e *Executor) client(addr string) *fssh.Client {
	return &fssh.Client{
		Addr:       addr,
		User:       e.opts.User,
		Signer:     e.opts.Signer,
		UseAgent:   e.opts.UseAgent,
		KnownHosts: e.opts.KnownHosts,
		Timeout:    e.opts.DialTimeout,
		Retries:    e.opts.Retries,
	}
}

func (e *Executor) address(entry api.HostEntry) (string, error) {
	if entry.Address == "" {
		return "", fmt.Errorf("%w: host %s has no address", executor.ErrHostUnreachable, entry.Name)
	}
	if _, _, err := net.SplitHostPort(entry.Address); err == nil {
		return entry.Address, nil
	}
	return net.JoinHostPort(entry.Address, strconv.Itoa(e.opts.Port)), nil
}

func (e *Executor) dir(id string) string { return path.Join(e.opts.WorkDir, id) }

// Script renders a batch as a POSIX shell script that stops at the first
// failing command.
func Script(commands []string) []byte {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\nset -e\n")
	for _, c := range commands {
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func launcher(dir string) string {
	inner := fmt.Sprintf("sh ./%s >%s 2>%s; echo $? >%s.tmp; mv %s.tmp %s",
		scriptFile, stdoutFile, stderrFile, exitFile, exitFile, exitFile)
	return fmt.Sprintf("cd '%s' && nohup sh -c '%s' >/dev/null 2>&1 </dev/null &", dir, inner)
}

func dialErr(err error, unreachable error) error {
	if errors.Is(err, fssh.ErrAuth) {
		return fmt.Errorf("%w: %v", executor.ErrAuthenticationFailed, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", unreachable, err)
}

// Submit uploads the batch and starts it in the background.
func (e *Executor) Submit(ctx context.Context, entry api.HostEntry, commands []string) (api.CommandHandle, error) {
	addr, err := e.address(entry)
	if err != nil {
		return api.CommandHandle{}, err
	}
	cli, err := fssh.Dial(ctx, e.client(addr))
	if err != nil {
		return api.CommandHandle{}, dialErr(err, executor.ErrHostUnreachable)
	}
	defer cli.Close()

	id := uuid.NewString()
	dir := e.dir(id)
	if err := fssh.WriteFile(ctx, cli, path.Join(dir, scriptFile), Script(commands), 0o700); err != nil {
		return api.CommandHandle{}, fmt.Errorf("upload batch to %s: %w", entry.Name, err)
	}
	if _, stderr, err := fssh.Run(ctx, cli, launcher(dir)); err != nil {
		return api.CommandHandle{}, fmt.Errorf("start batch on %s: %w: %s", entry.Name, err, strings.TrimSpace(stderr))
	}
	e.logger.Debug().Str("host", entry.Name).Str("handle", id).Int("commands", len(commands)).Msg("batch started")
	return api.CommandHandle{
		ID:          id,
		Host:        entry.Name,
		Transport:   Name,
		Target:      addr,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll reports the batch state. A missing exit code means the batch is still
// running; a missing batch directory means the handle is gone.
func (e *Executor) Poll(ctx context.Context, handle api.CommandHandle) (api.Invocation, error) {
	cli, err := fssh.Dial(ctx, e.client(handle.Target))
	if err != nil {
		return api.Invocation{}, dialErr(err, executor.ErrTransient)
	}
	defer cli.Close()

	files, err := fssh.OpenFiles(cli)
	if err != nil {
		return api.Invocation{}, fmt.Errorf("%w: %v", executor.ErrTransient, err)
	}
	defer files.Close()

	dir := e.dir(handle.ID)
	ok, err := files.Exists(dir)
	if err != nil {
		return api.Invocation{}, fmt.Errorf("%w: %v", executor.ErrTransient, err)
	}
	if !ok {
		return api.Invocation{}, fmt.Errorf("%w: %s on %s", executor.ErrHandleExpired, handle.ID, handle.Host)
	}

	raw, err := files.ReadTail(path.Join(dir, exitFile), 0)
	if errors.Is(err, fs.ErrNotExist) {
		return api.Invocation{State: api.CommandInProgress}, nil
	}
	if err != nil {
		return api.Invocation{}, fmt.Errorf("%w: read exit code: %v", executor.ErrTransient, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return api.Invocation{}, fmt.Errorf("%w: malformed exit code %q", executor.ErrTransient, raw)
	}

	stdout, _ := files.ReadTail(path.Join(dir, stdoutFile), e.opts.OutputLimit)
	stderr, _ := files.ReadTail(path.Join(dir, stderrFile), e.opts.OutputLimit)
	inv := api.Invocation{State: api.CommandSuccess, Stdout: string(stdout), Stderr: string(stderr)}
	if code != 0 {
		inv.State = api.CommandFailed
		if inv.Stderr == "" {
			inv.Stderr = fmt.Sprintf("exit status %d", code)
		}
	}
	return inv, nil
}
