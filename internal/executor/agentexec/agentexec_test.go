package agentexec

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetroll/internal/agent"
	"github.com/3cpo-dev/fleetroll/internal/executor"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

func startAgent(t *testing.T, token string) *httptest.Server {
	t.Helper()
	store, err := agent.OpenStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	srv := agent.NewServer("test", store, nil)
	srv.Token = token
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = store.Close()
	})
	return ts
}

func newTestExecutor(token string) *Executor {
	x := New(Options{Token: token, RequestTimeout: 5 * time.Second})
	x.client.Retry.MaxRetries = 0
	return x
}

func pollUntilDone(t *testing.T, x *Executor, h api.CommandHandle) api.Invocation {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		inv, err := x.Poll(context.Background(), h)
		require.NoError(t, err)
		if inv.State.Terminal() {
			return inv
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("handle %s did not finish", h.ID)
	return api.Invocation{}
}

func TestSubmitAndPoll(t *testing.T) {
	ts := startAgent(t, "tok")
	x := newTestExecutor("tok")

	h, err := x.Submit(context.Background(), api.HostEntry{Name: "EC2-CORE", Address: ts.URL}, []string{"echo deployed"})
	require.NoError(t, err)
	assert.Equal(t, Name, h.Transport)
	assert.Equal(t, ts.URL, h.Target)
	assert.NotEmpty(t, h.ID)

	inv := pollUntilDone(t, x, h)
	assert.Equal(t, api.CommandSuccess, inv.State)
	assert.Equal(t, "deployed\n", inv.Stdout)
}

func TestFailedBatch(t *testing.T) {
	ts := startAgent(t, "")
	x := newTestExecutor("")
	h, err := x.Submit(context.Background(), api.HostEntry{Name: "db", Address: ts.URL}, []string{"echo boom >&2", "exit 2"})
	require.NoError(t, err)
	inv := pollUntilDone(t, x, h)
	assert.Equal(t, api.CommandFailed, inv.State)
	assert.Equal(t, "boom\n", inv.Stderr)
}

func TestWrongToken(t *testing.T) {
	ts := startAgent(t, "right")
	_, err := newTestExecutor("wrong").Submit(context.Background(), api.HostEntry{Name: "db", Address: ts.URL}, []string{"true"})
	assert.ErrorIs(t, err, executor.ErrAuthenticationFailed)
}

func TestUnknownHandleExpired(t *testing.T) {
	ts := startAgent(t, "")
	_, err := newTestExecutor("").Poll(context.Background(), api.CommandHandle{ID: "gone", Target: ts.URL})
	assert.ErrorIs(t, err, executor.ErrHandleExpired)
}

func TestUnreachableAgent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	x := newTestExecutor("")
	_, err = x.Submit(context.Background(), api.HostEntry{Name: "db", Address: addr}, []string{"true"})
	assert.ErrorIs(t, err, executor.ErrHostUnreachable)

	_, err = x.Poll(context.Background(), api.CommandHandle{ID: "x", Target: "http://" + addr})
	assert.ErrorIs(t, err, executor.ErrTransient)

	_, err = x.Submit(context.Background(), api.HostEntry{Name: "db"}, []string{"true"})
	assert.ErrorIs(t, err, executor.ErrHostUnreachable)
}

func TestServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	_, err := newTestExecutor("").Poll(context.Background(), api.CommandHandle{ID: "x", Target: ts.URL})
	assert.ErrorIs(t, err, executor.ErrTransient)
}

func TestBaseURL(t *testing.T) {
	x := New(Options{})
	u, err := x.baseURL("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8088", u)

	u, _ = x.baseURL("10.0.0.5:9000")
	assert.Equal(t, "http://10.0.0.5:9000", u)

	u, _ = x.baseURL("https://agent.internal:8443/ignored")
	assert.Equal(t, "https://agent.internal:8443", u)
}

func TestHeartbeat(t *testing.T) {
	ts := startAgent(t, "")
	hb, err := newTestExecutor("").Heartbeat(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "test", hb.Version)
}
