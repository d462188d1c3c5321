// Package core rolls command batches out across the host catalog and turns
// their outcomes into a deployment report.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetroll/internal/catalog"
	"github.com/3cpo-dev/fleetroll/internal/commands"
	"github.com/3cpo-dev/fleetroll/internal/converge"
	"github.com/3cpo-dev/fleetroll/internal/executor"
	"github.com/3cpo-dev/fleetroll/internal/telemetry"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

const (
	DefaultPollInterval = converge.DefaultInterval
	DefaultTimeout      = 2 * time.Minute
)

// Options tunes a rollout.
type Options struct {
	// Concurrency bounds how many hosts of one tier deploy at once.
	Concurrency    int
	PollInterval   time.Duration
	DefaultTimeout time.Duration
}

// Orchestrator is the entrypoint for rolling a fleet.
type Orchestrator struct {
	catalog  *catalog.Catalog
	builder  *commands.Builder
	executor executor.Executor
	metrics  *telemetry.Metrics
	opts     Options
	logger   zerolog.Logger
}

func NewOrchestrator(cat *catalog.Catalog, builder *commands.Builder, exec executor.Executor, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Orchestrator{
		catalog:  cat,
		builder:  builder,
		executor: exec,
		opts:     opts,
		logger:   log.With().Str("component", "orchestrator").Str("executor", exec.Name()).Logger(),
	}
}

// WithMetrics records every result in m.
func (o *Orchestrator) WithMetrics(m *telemetry.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// DeployAll deploys every host in rollout order and waits for each.
func (o *Orchestrator) DeployAll(ctx context.Context) (*api.DeploymentReport, error) {
	return o.Run(ctx, o.catalog.Order(), false)
}

// SubmitAll submits every host in rollout order without waiting.
func (o *Orchestrator) SubmitAll(ctx context.Context) (*api.DeploymentReport, error) {
	return o.Run(ctx, o.catalog.Order(), true)
}

// Run deploys hosts in the given order. A failing host never stops the run.
// Consecutive hosts of one tier run up to Concurrency at a time, and results
// are added to the report in the given order. Once ctx is cancelled no
// further host is started; the report then holds only the attempted hosts
// and ctx.Err() is returned alongside it.
func (o *Orchestrator) Run(ctx context.Context, hosts []string, noWait bool) (*api.DeploymentReport, error) {
	report := api.NewDeploymentReport(uuid.NewString(), o.builder.Environment)
	report.NoWait = noWait
	logger := o.logger.With().Str("run", report.RunID).Logger()
	logger.Info().Int("hosts", len(hosts)).Bool("no_wait", noWait).Msg("rollout started")

	steps := make([]step, len(hosts))
	for i, name := range hosts {
		steps[i] = step{pos: i, name: name}
		if e, ok := o.catalog.Lookup(name); ok {
			steps[i].entry = &e
		}
	}

	var runErr error
	for _, batch := range tierBatches(steps) {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Msg("rollout cancelled, remaining hosts skipped")
			runErr = err
			break
		}
		for _, res := range o.runBatch(ctx, batch, noWait) {
			if err := report.Add(res); err != nil {
				logger.Warn().Err(err).Msg("dropping result")
			}
		}
	}

	report.FinishedAt = time.Now()
	logger.Info().
		Int("succeeded", report.Succeeded()).
		Int("failed", report.Failed()).
		Int("timed_out", report.TimedOut()).
		Int("submitted", report.Submitted()).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("rollout finished")
	return report, runErr
}

// runBatch deploys one tier batch and returns its results in batch order.
// Chunks of Concurrency hosts run in parallel.
func (o *Orchestrator) runBatch(ctx context.Context, batch []step, noWait bool) []api.DeploymentResult {
	results := make([]api.DeploymentResult, len(batch))
	offset := 0
	for _, chunk := range ChunkInputs(batch, o.opts.Concurrency) {
		if ctx.Err() != nil {
			return results[:offset]
		}
		var wg sync.WaitGroup
		for i, s := range chunk {
			wg.Add(1)
			go func(i int, s step) {
				defer wg.Done()
				results[offset+i] = o.deployStep(ctx, s, noWait)
			}(i, s)
		}
		wg.Wait()
		offset += len(chunk)
	}
	return results
}

func (o *Orchestrator) deployStep(ctx context.Context, s step, noWait bool) api.DeploymentResult {
	if s.entry == nil {
		res := o.failed(s.name, time.Now(), &catalog.ConfigError{Host: s.name, Msg: "unknown host"})
		o.observe(res)
		return res
	}
	var res api.DeploymentResult
	if noWait {
		res = o.submitEntry(ctx, *s.entry)
	} else {
		res = o.deployEntry(ctx, *s.entry)
	}
	o.observe(res)
	return res
}

// DeployOne deploys a single host and waits for its outcome.
func (o *Orchestrator) DeployOne(ctx context.Context, host string) api.DeploymentResult {
	entry, ok := o.catalog.Lookup(host)
	if !ok {
		res := o.failed(host, time.Now(), &catalog.ConfigError{Host: host, Msg: "unknown host"})
		o.observe(res)
		return res
	}
	res := o.deployEntry(ctx, entry)
	o.observe(res)
	return res
}

// SubmitOne submits a single host and returns without polling. The result
// is Submitted with the handle id, or Failed.
func (o *Orchestrator) SubmitOne(ctx context.Context, host string) api.DeploymentResult {
	entry, ok := o.catalog.Lookup(host)
	if !ok {
		res := o.failed(host, time.Now(), &catalog.ConfigError{Host: host, Msg: "unknown host"})
		o.observe(res)
		return res
	}
	res := o.submitEntry(ctx, entry)
	o.observe(res)
	return res
}

func (o *Orchestrator) submit(ctx context.Context, entry api.HostEntry) (api.CommandHandle, error) {
	cmds, err := o.builder.Build(entry)
	if err != nil {
		return api.CommandHandle{}, err
	}
	o.logger.Debug().Str("host", entry.Name).Int("commands", len(cmds)).Msg("submitting batch")
	handle, err := o.executor.Submit(ctx, entry, cmds)
	if err != nil {
		return api.CommandHandle{}, fmt.Errorf("submit: %w", err)
	}
	if handle.SubmittedAt.IsZero() {
		handle.SubmittedAt = time.Now()
	}
	return handle, nil
}

func (o *Orchestrator) submitEntry(ctx context.Context, entry api.HostEntry) api.DeploymentResult {
	start := time.Now()
	handle, err := o.submit(ctx, entry)
	if err != nil {
		return o.failed(entry.Name, start, err)
	}
	o.logger.Info().Str("host", entry.Name).Str("handle", handle.ID).Msg("batch submitted")
	return api.DeploymentResult{
		Host:     entry.Name,
		State:    api.DeploySubmitted,
		Duration: time.Since(start),
		HandleID: handle.ID,
	}
}

func (o *Orchestrator) timeout(entry api.HostEntry) time.Duration {
	if entry.Timeout > 0 {
		return entry.Timeout
	}
	return o.opts.DefaultTimeout
}

func (o *Orchestrator) deployEntry(ctx context.Context, entry api.HostEntry) api.DeploymentResult {
	start := time.Now()
	logger := o.logger.With().Str("host", entry.Name).Logger()

	handle, err := o.submit(ctx, entry)
	if err != nil {
		return o.failed(entry.Name, start, err)
	}
	logger = logger.With().Str("handle", handle.ID).Logger()
	timeout := o.timeout(entry)
	logger.Info().Dur("timeout", timeout).Msg("batch submitted, waiting")

	res := api.DeploymentResult{Host: entry.Name, HandleID: handle.ID}
	inv, converged, err := o.await(ctx, handle, handle.SubmittedAt.Add(timeout), logger)
	res.Duration = time.Since(start)
	switch {
	case err != nil:
		res.State = api.DeployFailed
		res.Error = err.Error()
	case !converged:
		res.State = api.DeployTimedOut
		res.Error = fmt.Sprintf("no terminal state within %s", timeout)
	default:
		res.Output = api.TailOutput(inv.Stdout, inv.Stderr, api.OutputTailBytes)
		switch inv.State {
		case api.CommandSuccess:
			res.State = api.DeploySucceeded
		case api.CommandTimedOut:
			res.State = api.DeployTimedOut
			res.Error = "command timed out on host"
		default:
			res.State = api.DeployFailed
			res.Error = "command failed"
		}
	}

	ev := logger.Info()
	if res.State != api.DeploySucceeded {
		ev = logger.Warn().Str("error", res.Error)
	}
	ev.Str("state", string(res.State)).Dur("duration", res.Duration).Msg("host finished")
	return res
}

// await polls handle until it is terminal or deadline passes. Polling
// ignores cancellation of ctx so an in-flight host reaches an outcome.
func (o *Orchestrator) await(ctx context.Context, handle api.CommandHandle, deadline time.Time, logger zerolog.Logger) (api.Invocation, bool, error) {
	fetch := func(ctx context.Context) ([]api.Invocation, error) {
		inv, err := o.executor.Poll(ctx, handle)
		if err == nil {
			return []api.Invocation{inv}, nil
		}
		if executor.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, converge.Permanent(err)
	}
	snap, converged, err := converge.WaitUntilConverged(context.WithoutCancel(ctx), fetch,
		func(inv api.Invocation) bool { return inv.State.Terminal() },
		converge.Options{
			Interval: o.opts.PollInterval,
			Deadline: deadline,
			OnError: func(attempt int, err error) {
				if o.metrics != nil {
					o.metrics.PollError(o.executor.Name(), executor.Kind(err))
				}
				logger.Debug().Err(err).Int("attempt", attempt).Msg("poll failed, retrying")
			},
		})
	if err != nil {
		if o.metrics != nil {
			o.metrics.PollError(o.executor.Name(), executor.Kind(err))
		}
		return api.Invocation{}, false, fmt.Errorf("poll: %w", err)
	}
	var inv api.Invocation
	if len(snap) > 0 {
		inv = snap[0]
	}
	return inv, converged, nil
}

func (o *Orchestrator) failed(host string, start time.Time, err error) api.DeploymentResult {
	ev := o.logger.Error()
	if catalog.IsConfigError(err) {
		ev = o.logger.Warn()
	}
	ev.Err(err).Str("host", host).Str("kind", errorKind(err)).Msg("host failed")
	return api.DeploymentResult{
		Host:     host,
		State:    api.DeployFailed,
		Duration: time.Since(start),
		Error:    err.Error(),
	}
}

func (o *Orchestrator) observe(res api.DeploymentResult) {
	if o.metrics != nil {
		o.metrics.ObserveDeployment(res)
	}
}

func errorKind(err error) string {
	if catalog.IsConfigError(err) {
		return "config"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return executor.Kind(err)
}
