package api

import (
	"slices"
	"time"
	"unicode/utf8"
)

// v0 contains the public fleet data model shared by the CLI, the agent and SDK users.

// Environments are the deployment environments a run may target.
var Environments = []string{"dev", "staging", "prod"}

// ValidEnvironment reports whether env is one of Environments.
func ValidEnvironment(env string) bool {
	return slices.Contains(Environments, env)
}

// HostKind selects how containers on a host are started.
type HostKind string

const (
	KindGeneric    HostKind = "generic"
	KindDatabase   HostKind = "database"
	KindMonitoring HostKind = "monitoring"
)

// Valid reports whether k is one of the known kinds.
func (k HostKind) Valid() bool {
	switch k {
	case KindGeneric, KindDatabase, KindMonitoring:
		return true
	}
	return false
}

// HostTier is the dependency class of a host. Lower tiers roll out first.
type HostTier string

const (
	TierData          HostTier = "data"
	TierMessaging     HostTier = "messaging"
	TierAccess        HostTier = "access"
	TierApplication   HostTier = "application"
	TierObservability HostTier = "observability"
	TierEdge          HostTier = "edge"
)

var tierRank = map[HostTier]int{
	TierData:          0,
	TierMessaging:     1,
	TierAccess:        2,
	TierApplication:   3,
	TierObservability: 4,
	TierEdge:          5,
}

// Rank returns the rollout position of the tier, or -1 if unknown.
func (t HostTier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// HostEntry is one deployable unit on one logical host.
type HostEntry struct {
	Name          string              `json:"name" yaml:"name"`
	Kind          HostKind            `json:"kind" yaml:"kind"`
	Tier          HostTier            `json:"tier" yaml:"tier"`
	Images        []string            `json:"images" yaml:"images"`
	Containers    []string            `json:"containers" yaml:"containers"`
	Ports         []int               `json:"ports" yaml:"ports"`
	Volumes       []string            `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	InternalPorts []int               `json:"internal_ports,omitempty" yaml:"internal_ports,omitempty"`
	MountPaths    []string            `json:"mount_paths,omitempty" yaml:"mount_paths,omitempty"`
	Env           map[string][]string `json:"env,omitempty" yaml:"env,omitempty"`
	Settle        time.Duration       `json:"settle,omitempty" yaml:"settle,omitempty"`
	Timeout       time.Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Address and InstanceID are transport addressing; which one is used depends on the executor.
	Address    string `json:"address,omitempty" yaml:"address,omitempty"`
	InstanceID string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
}

// CommandState is the lifecycle of a submitted command batch.
type CommandState string

const (
	CommandPending    CommandState = "pending"
	CommandInProgress CommandState = "in_progress"
	CommandSuccess    CommandState = "success"
	CommandFailed     CommandState = "failed"
	CommandTimedOut   CommandState = "timed_out"
)

// Terminal reports whether no further transition can happen.
func (s CommandState) Terminal() bool {
	return s == CommandSuccess || s == CommandFailed || s == CommandTimedOut
}

// CommandHandle references a batch of commands submitted to one host.
type CommandHandle struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Transport   string    `json:"transport"`
	Target      string    `json:"target,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Invocation is a single status observation of a handle. Stdout and Stderr
// are only populated once State is terminal.
type Invocation struct {
	State  CommandState `json:"state"`
	Stdout string       `json:"stdout,omitempty"`
	Stderr string       `json:"stderr,omitempty"`
}

// DeployState is the per-host orchestration state.
type DeployState string

const (
	DeployPending   DeployState = "pending"
	DeploySubmitted DeployState = "submitted"
	DeploySucceeded DeployState = "succeeded"
	DeployFailed    DeployState = "failed"
	DeployTimedOut  DeployState = "timed_out"
)

// DeploymentResult is one host's final outcome.
type DeploymentResult struct {
	Host     string        `json:"host"`
	State    DeployState   `json:"state"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	HandleID string        `json:"handle_id,omitempty"`
}

// OutputTailBytes bounds DeploymentResult.Output.
const OutputTailBytes = 500

// TailOutput joins stdout and stderr and keeps at most limit trailing bytes,
// never starting in the middle of a UTF-8 sequence.
func TailOutput(stdout, stderr string, limit int) string {
	out := stdout
	if stderr != "" {
		if out != "" && out[len(out)-1] != '\n' {
			out += "\n"
		}
		out += stderr
	}
	if limit > 0 && len(out) > limit {
		start := len(out) - limit
		for start < len(out) && !utf8.RuneStart(out[start]) {
			start++
		}
		out = out[start:]
	}
	return out
}

// HealthState is the state of a target tracked for convergence.
type HealthState string

const (
	HealthInitial   HealthState = "initial"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Terminal reports whether the target has settled.
func (s HealthState) Terminal() bool {
	return s == HealthHealthy || s == HealthUnhealthy
}

// HealthTarget is one entry of a health registry.
type HealthTarget struct {
	ID     string      `json:"id"`
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}
