package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/3cpo-dev/fleetroll/internal/catalog"
	"github.com/3cpo-dev/fleetroll/internal/commands"
	"github.com/3cpo-dev/fleetroll/internal/executor"
	"github.com/3cpo-dev/fleetroll/internal/telemetry"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

type pollStep struct {
	inv api.Invocation
	err error
}

// MockExecutor replays scripted poll results per host. A host without a
// script succeeds on the first poll.
type MockExecutor struct {
	mu        sync.Mutex
	submitErr map[string]error
	polls     map[string][]pollStep
	submitted []string
	pollCalls map[string]int
	onSubmit  func(host string)
	pollDelay map[string]time.Duration
	lastCmds  map[string][]string
}

func newMockExecutor() *MockExecutor {
	return &MockExecutor{
		submitErr: map[string]error{},
		polls:     map[string][]pollStep{},
		pollCalls: map[string]int{},
		pollDelay: map[string]time.Duration{},
		lastCmds:  map[string][]string{},
	}
}

func (m *MockExecutor) Name() string { return "mock" }

func (m *MockExecutor) Submit(ctx context.Context, entry api.HostEntry, cmds []string) (api.CommandHandle, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, entry.Name)
	m.lastCmds[entry.Name] = cmds
	err := m.submitErr[entry.Name]
	hook := m.onSubmit
	m.mu.Unlock()
	if hook != nil {
		hook(entry.Name)
	}
	if err != nil {
		return api.CommandHandle{}, err
	}
	return api.CommandHandle{ID: "h-" + entry.Name, Host: entry.Name, Transport: "mock", SubmittedAt: time.Now()}, nil
}

func (m *MockExecutor) Poll(ctx context.Context, h api.CommandHandle) (api.Invocation, error) {
	m.mu.Lock()
	i := m.pollCalls[h.Host]
	m.pollCalls[h.Host]++
	script := m.polls[h.Host]
	delay := m.pollDelay[h.Host]
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if len(script) == 0 {
		return api.Invocation{State: api.CommandSuccess, Stdout: h.Host + " ok\n"}, nil
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i].inv, script[i].err
}

func (m *MockExecutor) calls(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCalls[host]
}

func testCatalog(t *testing.T, order []string) *catalog.Catalog {
	t.Helper()
	entries := []api.HostEntry{
		{Name: "frontend", Tier: api.TierEdge, Images: []string{"nginx:1.25"}, Containers: []string{"web"}, Ports: []int{80}},
		{Name: "core", Tier: api.TierApplication, Images: []string{"core:latest"}, Containers: []string{"core"}, Ports: []int{3000}, Timeout: 80 * time.Millisecond},
		{Name: "db", Kind: api.KindDatabase, Tier: api.TierData, Images: []string{"postgres:16"}, Containers: []string{"postgres"}, Ports: []int{5432}, Volumes: []string{"pgdata"}},
	}
	cat, err := catalog.New(entries, order)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func newTestOrchestrator(t *testing.T, exec executor.Executor, order []string) *Orchestrator {
	t.Helper()
	return NewOrchestrator(testCatalog(t, order), commands.NewBuilder("dev"), exec, Options{
		PollInterval:   5 * time.Millisecond,
		DefaultTimeout: time.Second,
	})
}

func hostsOf(r *api.DeploymentReport) string { return strings.Join(r.Hosts(), ",") }

func TestDeployAllMixedOutcomes(t *testing.T) {
	exec := newMockExecutor()
	exec.polls["core"] = []pollStep{{inv: api.Invocation{State: api.CommandInProgress}}}
	o := newTestOrchestrator(t, exec, nil)

	report, err := o.DeployAll(context.Background())
	if err != nil {
		t.Fatalf("deploy all: %v", err)
	}
	if got := hostsOf(report); got != "db,core,frontend" {
		t.Fatalf("unexpected order %s", got)
	}
	db, _ := report.Get("db")
	core, _ := report.Get("core")
	fe, _ := report.Get("frontend")
	if db.State != api.DeploySucceeded || core.State != api.DeployTimedOut || fe.State != api.DeploySucceeded {
		t.Fatalf("unexpected states %s %s %s", db.State, core.State, fe.State)
	}
	if report.Succeeded() != 2 || report.TimedOut() != 1 || report.Failed() != 0 {
		t.Fatalf("unexpected counts %d/%d/%d", report.Succeeded(), report.TimedOut(), report.Failed())
	}
	if report.OK() || report.ExitCode() != 1 {
		t.Fatalf("expected failing report")
	}
	if db.Output != "db ok\n" || db.HandleID != "h-db" {
		t.Fatalf("unexpected db result %+v", db)
	}
}

func TestDeployAllOrderIsStable(t *testing.T) {
	for i := 0; i < 20; i++ {
		exec := newMockExecutor()
		report, _ := newTestOrchestrator(t, exec, nil).DeployAll(context.Background())
		if got := hostsOf(report); got != "db,core,frontend" {
			t.Fatalf("run %d: unexpected order %s", i, got)
		}
		if got := strings.Join(exec.submitted, ","); got != "db,core,frontend" {
			t.Fatalf("run %d: unexpected submit order %s", i, got)
		}
	}
}

func TestExplicitOrderWithUnknownHost(t *testing.T) {
	exec := newMockExecutor()
	o := newTestOrchestrator(t, exec, []string{"frontend", "ghost", "db"})
	report, err := o.DeployAll(context.Background())
	if err != nil {
		t.Fatalf("deploy all: %v", err)
	}
	if got := hostsOf(report); got != "frontend,ghost,db" {
		t.Fatalf("unexpected order %s", got)
	}
	ghost, _ := report.Get("ghost")
	if ghost.State != api.DeployFailed || !strings.Contains(ghost.Error, "unknown host") {
		t.Fatalf("unexpected ghost result %+v", ghost)
	}
	for _, h := range exec.submitted {
		if h == "ghost" {
			t.Fatalf("unknown host must not be submitted")
		}
	}
	if report.Len() != 3 {
		t.Fatalf("expected one result per attempted host")
	}
}

func TestSubmitFailureSkipsPolling(t *testing.T) {
	exec := newMockExecutor()
	exec.submitErr["db"] = fmt.Errorf("dial: %w", executor.ErrHostUnreachable)
	exec.submitErr["core"] = fmt.Errorf("denied: %w", executor.ErrAuthenticationFailed)
	report, _ := newTestOrchestrator(t, exec, nil).DeployAll(context.Background())

	for _, h := range []string{"db", "core"} {
		res, _ := report.Get(h)
		if res.State != api.DeployFailed {
			t.Fatalf("%s: expected failed, got %s", h, res.State)
		}
		if exec.calls(h) != 0 {
			t.Fatalf("%s: expected no polls, got %d", h, exec.calls(h))
		}
	}
	if fe, _ := report.Get("frontend"); fe.State != api.DeploySucceeded {
		t.Fatalf("rollout should continue after failures")
	}
}

func TestTransientPollErrorsTimeOut(t *testing.T) {
	exec := newMockExecutor()
	exec.polls["core"] = []pollStep{{err: fmt.Errorf("throttled: %w", executor.ErrTransient)}}
	metrics := telemetry.NewMetrics()
	o := newTestOrchestrator(t, exec, nil).WithMetrics(metrics)

	res := o.DeployOne(context.Background(), "core")
	if res.State != api.DeployTimedOut {
		t.Fatalf("expected timed out, got %s (%s)", res.State, res.Error)
	}
	if exec.calls("core") < 2 {
		t.Fatalf("expected retries, got %d polls", exec.calls("core"))
	}
	if v := testutil.ToFloat64(metrics.PollErrors.WithLabelValues("mock", "transient")); v < 1 {
		t.Fatalf("expected poll errors to be counted")
	}
	if v := testutil.ToFloat64(metrics.Deployments.WithLabelValues("core", "timed_out")); v != 1 {
		t.Fatalf("expected one timed out deployment, got %v", v)
	}
}

func TestTransientThenSuccess(t *testing.T) {
	exec := newMockExecutor()
	exec.polls["db"] = []pollStep{
		{err: executor.ErrTransient},
		{inv: api.Invocation{State: api.CommandInProgress}},
		{inv: api.Invocation{State: api.CommandSuccess, Stdout: "done"}},
	}
	res := newTestOrchestrator(t, exec, nil).DeployOne(context.Background(), "db")
	if res.State != api.DeploySucceeded || res.Output != "done" {
		t.Fatalf("unexpected result %+v", res)
	}
	if exec.calls("db") != 3 {
		t.Fatalf("expected 3 polls, got %d", exec.calls("db"))
	}
}

func TestHandleExpiredFailsImmediately(t *testing.T) {
	exec := newMockExecutor()
	exec.polls["db"] = []pollStep{{err: fmt.Errorf("gone: %w", executor.ErrHandleExpired)}}
	res := newTestOrchestrator(t, exec, nil).DeployOne(context.Background(), "db")
	if res.State != api.DeployFailed || !strings.Contains(res.Error, "expired") {
		t.Fatalf("unexpected result %+v", res)
	}
	if exec.calls("db") != 1 {
		t.Fatalf("expected a single poll, got %d", exec.calls("db"))
	}
}

func TestCommandOutcomes(t *testing.T) {
	cases := map[string]struct {
		inv  api.Invocation
		want api.DeployState
	}{
		"failed":    {api.Invocation{State: api.CommandFailed, Stderr: "pull failed"}, api.DeployFailed},
		"timed out": {api.Invocation{State: api.CommandTimedOut}, api.DeployTimedOut},
		"success":   {api.Invocation{State: api.CommandSuccess, Stdout: "ok"}, api.DeploySucceeded},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			exec := newMockExecutor()
			exec.polls["frontend"] = []pollStep{{inv: tc.inv}}
			res := newTestOrchestrator(t, exec, nil).DeployOne(context.Background(), "frontend")
			if res.State != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, res.State)
			}
			if res.Output != api.TailOutput(tc.inv.Stdout, tc.inv.Stderr, api.OutputTailBytes) {
				t.Fatalf("unexpected output %q", res.Output)
			}
		})
	}
}

func TestOutputIsTruncated(t *testing.T) {
	exec := newMockExecutor()
	long := strings.Repeat("x", 2000) + "END"
	exec.polls["db"] = []pollStep{{inv: api.Invocation{State: api.CommandSuccess, Stdout: long}}}
	res := newTestOrchestrator(t, exec, nil).DeployOne(context.Background(), "db")
	if len(res.Output) != api.OutputTailBytes || !strings.HasSuffix(res.Output, "END") {
		t.Fatalf("expected the last %d bytes, got %d", api.OutputTailBytes, len(res.Output))
	}
}

func TestSubmitOneDoesNotPoll(t *testing.T) {
	exec := newMockExecutor()
	res := newTestOrchestrator(t, exec, nil).SubmitOne(context.Background(), "core")
	if res.State != api.DeploySubmitted || res.HandleID != "h-core" {
		t.Fatalf("unexpected result %+v", res)
	}
	if exec.calls("core") != 0 {
		t.Fatalf("no-wait must not poll")
	}
}

func TestSubmitAllReportIsOK(t *testing.T) {
	exec := newMockExecutor()
	report, err := newTestOrchestrator(t, exec, nil).SubmitAll(context.Background())
	if err != nil {
		t.Fatalf("submit all: %v", err)
	}
	if report.Submitted() != 3 || !report.OK() || report.ExitCode() != 0 {
		t.Fatalf("unexpected report: submitted=%d ok=%v", report.Submitted(), report.OK())
	}
}

func TestUnknownHostAndBadEntry(t *testing.T) {
	exec := newMockExecutor()
	o := newTestOrchestrator(t, exec, nil)
	res := o.DeployOne(context.Background(), "nope")
	if res.State != api.DeployFailed || len(exec.submitted) != 0 {
		t.Fatalf("unknown host must fail without submit")
	}

	bad, err := catalog.New([]api.HostEntry{{Name: "bad", Images: []string{"a", "b"}, Containers: []string{"a"}, Ports: []int{1}}}, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	o = NewOrchestrator(bad, commands.NewBuilder("dev"), exec, Options{PollInterval: time.Millisecond})
	res = o.DeployOne(context.Background(), "bad")
	if res.State != api.DeployFailed || !strings.Contains(res.Error, "configuration error") {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(exec.submitted) != 0 {
		t.Fatalf("malformed entry must not be submitted")
	}
}

func TestCancelledRunStopsStartingHosts(t *testing.T) {
	exec := newMockExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	exec.onSubmit = func(host string) {
		if host == "core" {
			cancel()
		}
	}
	exec.polls["core"] = []pollStep{
		{inv: api.Invocation{State: api.CommandInProgress}},
		{inv: api.Invocation{State: api.CommandSuccess}},
	}
	report, err := newTestOrchestrator(t, exec, nil).DeployAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := hostsOf(report); got != "db,core" {
		t.Fatalf("unexpected attempted hosts %s", got)
	}
	if core, _ := report.Get("core"); core.State != api.DeploySucceeded {
		t.Fatalf("in-flight host should finish, got %s", core.State)
	}
}

func TestConcurrentTierKeepsOrder(t *testing.T) {
	var entries []api.HostEntry
	for _, n := range []string{"a", "b", "c", "d"} {
		entries = append(entries, api.HostEntry{Name: n, Images: []string{"img"}, Containers: []string{n}, Ports: []int{8080}})
	}
	cat, err := catalog.New(entries, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	exec := newMockExecutor()
	for _, n := range []string{"b", "c", "d"} {
		exec.pollDelay[n] = 40 * time.Millisecond
	}
	exec.pollDelay["a"] = 80 * time.Millisecond
	o := NewOrchestrator(cat, commands.NewBuilder("dev"), exec, Options{Concurrency: 4, PollInterval: time.Millisecond})

	start := time.Now()
	report, err := o.DeployAll(context.Background())
	if err != nil {
		t.Fatalf("deploy all: %v", err)
	}
	if got := hostsOf(report); got != "a,b,c,d" {
		t.Fatalf("unexpected order %s", got)
	}
	if report.Succeeded() != 4 {
		t.Fatalf("expected all hosts to succeed")
	}
	if elapsed := time.Since(start); elapsed > 170*time.Millisecond {
		t.Fatalf("hosts of one tier should deploy concurrently, took %s", elapsed)
	}
}

func TestBuiltCommandsCarryEnvironment(t *testing.T) {
	exec := newMockExecutor()
	o := NewOrchestrator(testCatalog(t, nil), commands.NewBuilder("staging"), exec, Options{PollInterval: time.Millisecond})
	report, _ := o.DeployAll(context.Background())
	if report.Environment != "staging" {
		t.Fatalf("unexpected environment %s", report.Environment)
	}
	joined := strings.Join(exec.lastCmds["db"], "\n")
	if !strings.Contains(joined, "fleetroll.environment=staging") {
		t.Fatalf("missing environment label in %s", joined)
	}
}
