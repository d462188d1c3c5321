package agent

import (
	"time"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
	Running int       `json:"running"`
}

// SubmitRequest starts a command batch. The batch stops at the first failing
// command.
type SubmitRequest struct {
	Host           string   `json:"host"`
	Commands       []string `json:"commands"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

// Invocation is the stored record of one batch.
type Invocation struct {
	ID         string           `json:"id"`
	Host       string           `json:"host,omitempty"`
	State      api.CommandState `json:"state"`
	Commands   []string         `json:"commands,omitempty"`
	Stdout     string           `json:"stdout,omitempty"`
	Stderr     string           `json:"stderr,omitempty"`
	ExitCode   int              `json:"exit_code"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
