// Package executor defines the remote execution channel used to run command
// batches on fleet hosts, and the registry of available transports.
package executor

import (
	"context"
	"errors"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// Errors returned by executors. Implementations wrap them with %w.
var (
	ErrHostUnreachable      = errors.New("host unreachable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTransient            = errors.New("transient executor error")
	ErrHandleExpired        = errors.New("command handle expired")
)

// Executor submits a command batch to a host and reports its progress.
// Submit returns as soon as the batch is accepted; it never waits for the
// commands to finish.
type Executor interface {
	Name() string
	Submit(ctx context.Context, entry api.HostEntry, commands []string) (api.CommandHandle, error)
	Poll(ctx context.Context, handle api.CommandHandle) (api.Invocation, error)
}

// Kind names the class of err for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrHandleExpired):
		return "handle_expired"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication"
	case errors.Is(err, ErrHostUnreachable):
		return "unreachable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "other"
	}
}

// Retryable reports whether a Poll error may go away on its own.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
