// Package health waits for a group of targets in a health registry to
// settle.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetroll/internal/converge"
	"github.com/3cpo-dev/fleetroll/internal/telemetry"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// ErrUnknownGroup is returned by registries for groups they cannot resolve.
var ErrUnknownGroup = errors.New("unknown target group")

// Registry reports the health of every target in a group.
type Registry interface {
	Name() string
	Targets(ctx context.Context, group string) ([]api.HealthTarget, error)
}

type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Metrics  *telemetry.Metrics
}

// Result is the outcome of a wait.
type Result struct {
	Group     string
	Targets   []api.HealthTarget
	Converged bool
}

// Unhealthy returns the targets that settled unhealthy.
func (r Result) Unhealthy() []api.HealthTarget {
	var out []api.HealthTarget
	for _, t := range r.Targets {
		if t.State == api.HealthUnhealthy {
			out = append(out, t)
		}
	}
	return out
}

// OK reports whether the group converged with every target healthy.
func (r Result) OK() bool {
	return r.Converged && len(r.Unhealthy()) == 0
}

// Wait polls reg until every target in group is healthy or unhealthy, or the
// timeout passes. ErrUnknownGroup stops the wait at once.
func Wait(ctx context.Context, reg Registry, group string, opts WaitOptions) (Result, error) {
	logger := log.With().Str("component", "health").Str("registry", reg.Name()).Str("group", group).Logger()

	fetch := func(ctx context.Context) ([]api.HealthTarget, error) {
		targets, err := reg.Targets(ctx, group)
		if errors.Is(err, ErrUnknownGroup) {
			return nil, converge.Permanent(err)
		}
		return targets, err
	}
	isTerminal := func(t api.HealthTarget) bool { return t.State.Terminal() }

	targets, converged, err := converge.WaitUntilConverged(ctx, fetch, isTerminal, converge.Options{
		Interval: opts.Interval,
		Timeout:  opts.Timeout,
		OnError: func(attempt int, err error) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("health check failed, retrying")
		},
		Observe: func(attempt int, snapshot any) {
			ts := snapshot.([]api.HealthTarget)
			if opts.Metrics != nil {
				opts.Metrics.SetHealth(group, ts)
			}
			logger.Debug().Int("attempt", attempt).Int("targets", len(ts)).Msg("health snapshot")
		},
	})
	res := Result{Group: group, Targets: targets, Converged: converged}
	if err != nil {
		return res, fmt.Errorf("wait for %s: %w", group, err)
	}
	if !converged {
		logger.Warn().Dur("timeout", opts.Timeout).Msg("targets did not settle")
	}
	return res, nil
}
