package api

import (
	"fmt"
	"time"
)

// DeploymentReport aggregates the results of one run. Results keep insertion
// order, which is the rollout order. Counts are always derived from results.
type DeploymentReport struct {
	RunID       string    `json:"run_id"`
	Environment string    `json:"environment"`
	NoWait      bool      `json:"no_wait"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`

	results []DeploymentResult
	index   map[string]int
}

// NewDeploymentReport creates an empty report.
func NewDeploymentReport(runID, environment string) *DeploymentReport {
	return &DeploymentReport{
		RunID:       runID,
		Environment: environment,
		StartedAt:   time.Now(),
		index:       map[string]int{},
	}
}

// Add appends a result. A host may appear only once.
func (r *DeploymentReport) Add(res DeploymentResult) error {
	if r.index == nil {
		r.index = map[string]int{}
	}
	if _, dup := r.index[res.Host]; dup {
		return fmt.Errorf("duplicate result for host %s", res.Host)
	}
	r.index[res.Host] = len(r.results)
	r.results = append(r.results, res)
	return nil
}

// Results returns a copy of the results in rollout order.
func (r *DeploymentReport) Results() []DeploymentResult {
	out := make([]DeploymentResult, len(r.results))
	copy(out, r.results)
	return out
}

// Get returns the result for host.
func (r *DeploymentReport) Get(host string) (DeploymentResult, bool) {
	i, ok := r.index[host]
	if !ok {
		return DeploymentResult{}, false
	}
	return r.results[i], true
}

// Hosts returns attempted hosts in rollout order.
func (r *DeploymentReport) Hosts() []string {
	hosts := make([]string, 0, len(r.results))
	for _, res := range r.results {
		hosts = append(hosts, res.Host)
	}
	return hosts
}

func (r *DeploymentReport) count(state DeployState) int {
	n := 0
	for _, res := range r.results {
		if res.State == state {
			n++
		}
	}
	return n
}

func (r *DeploymentReport) Succeeded() int { return r.count(DeploySucceeded) }
func (r *DeploymentReport) Failed() int    { return r.count(DeployFailed) }
func (r *DeploymentReport) TimedOut() int  { return r.count(DeployTimedOut) }
func (r *DeploymentReport) Submitted() int { return r.count(DeploySubmitted) }
func (r *DeploymentReport) Len() int       { return len(r.results) }

// OK reports whether every attempted host succeeded. In no-wait mode a
// submitted host counts as success.
func (r *DeploymentReport) OK() bool {
	for _, res := range r.results {
		switch res.State {
		case DeploySucceeded:
		case DeploySubmitted:
			if !r.NoWait {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ExitCode is the process exit status for automation: 0 iff OK.
func (r *DeploymentReport) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}
