// Package converge polls a snapshot source until every item is terminal or a
// deadline passes. Command tracking and health checks share it.
package converge

import (
	"context"
	"errors"
	"time"
)

const DefaultInterval = 2 * time.Second

// Options controls a wait. Deadline, when set, wins over Timeout. With neither
// set the wait ends only on convergence or context cancellation.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Deadline time.Time

	// OnError is called for every retried fetch error.
	OnError func(attempt int, err error)
	// Observe is called with every successfully fetched snapshot.
	Observe func(attempt int, snapshot any)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a fetch error that must stop the wait.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// AllTerminal reports whether isTerminal holds for every item. An empty
// snapshot is terminal.
func AllTerminal[T any](items []T, isTerminal func(T) bool) bool {
	for _, it := range items {
		if !isTerminal(it) {
			return false
		}
	}
	return true
}

// WaitUntilConverged fetches immediately and then once per interval. It
// returns the first all-terminal snapshot with converged=true. When the
// deadline passes it returns the last successfully fetched snapshot with
// converged=false and a nil error. A Permanent fetch error is returned
// unwrapped; any other fetch error is retried. Cancelling ctx returns the last
// snapshot and ctx.Err().
func WaitUntilConverged[T any](ctx context.Context, fetch func(context.Context) ([]T, error), isTerminal func(T) bool, opts Options) ([]T, bool, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	deadline := opts.Deadline
	if deadline.IsZero() && opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	var (
		wctx   context.Context
		cancel context.CancelFunc
	)
	if deadline.IsZero() {
		wctx, cancel = context.WithCancel(ctx)
	} else {
		wctx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last []T
	for attempt := 1; ; attempt++ {
		items, err := fetch(wctx)
		switch {
		case err == nil:
			last = items
			if opts.Observe != nil {
				opts.Observe(attempt, items)
			}
			if AllTerminal(items, isTerminal) {
				return last, true, nil
			}
		case IsPermanent(err):
			return last, false, unwrapPermanent(err)
		default:
			if ctx.Err() != nil {
				return last, false, ctx.Err()
			}
			if opts.OnError != nil && wctx.Err() == nil {
				opts.OnError(attempt, err)
			}
		}

		select {
		case <-ticker.C:
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return last, false, err
			}
			return last, false, nil
		}
	}
}
