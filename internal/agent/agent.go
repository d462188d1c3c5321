package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetroll/internal/telemetry"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// DefaultOutputLimit bounds the captured output per stream.
const DefaultOutputLimit = 64 << 10

// Server runs command batches in the background and reports their state.
type Server struct {
	Version        string
	Token          string
	Store          *Store
	Metrics        *telemetry.Metrics
	Shell          string
	OutputLimit    int
	DefaultTimeout time.Duration

	mu      sync.Mutex
	srv     *http.Server
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Int32
	logger  zerolog.Logger
}

// NewServer returns an agent backed by store.
func NewServer(version string, store *Store, metrics *telemetry.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Version:        version,
		Store:          store,
		Metrics:        metrics,
		Shell:          "sh",
		OutputLimit:    DefaultOutputLimit,
		DefaultTimeout: time.Hour,
		ctx:            ctx,
		cancel:         cancel,
		logger:         log.With().Str("component", "agent").Logger(),
	}
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HeartbeatResponse{
			Time:    time.Now(),
			Host:    r.Host,
			Version: s.Version,
			Running: int(s.running.Load()),
		})
	})
	mux.Handle("POST /v0/commands", s.requireToken(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("GET /v0/commands/{id}", s.requireToken(http.HandlerFunc(s.handleGet)))
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
}

// Handler returns the agent's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if auth != "Bearer "+s.Token && x != s.Token {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(req.Commands) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no commands"})
		return
	}
	inv := Invocation{
		ID:        uuid.NewString(),
		Host:      req.Host,
		State:     api.CommandInProgress,
		Commands:  req.Commands,
		CreatedAt: time.Now(),
	}
	if err := s.Store.Put(inv); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	timeout := s.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	s.wg.Add(1)
	s.running.Add(1)
	if s.Metrics != nil {
		s.Metrics.AgentRunning.Inc()
	}
	go s.run(inv, timeout)

	s.logger.Info().Str("handle", inv.ID).Str("host", req.Host).Int("commands", len(req.Commands)).Msg("batch accepted")
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: inv.ID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inv, err := s.Store.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		inv.Commands = nil
		writeJSON(w, http.StatusOK, inv)
	}
}

// run executes the batch and stores the final state.
func (s *Server) run(inv Invocation, timeout time.Duration) {
	defer s.wg.Done()
	defer func() {
		s.running.Add(-1)
		if s.Metrics != nil {
			s.Metrics.AgentRunning.Dec()
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	script := "set -e\n" + strings.Join(inv.Commands, "\n") + "\n"
	stdout := newTailBuffer(s.OutputLimit)
	stderr := newTailBuffer(s.OutputLimit)
	cmd := exec.CommandContext(ctx, s.Shell, "-c", script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()

	inv.Stdout = stdout.String()
	inv.Stderr = stderr.String()
	inv.FinishedAt = time.Now()
	inv.State = api.CommandSuccess
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		inv.State = api.CommandTimedOut
		inv.ExitCode = -1
	case errors.As(err, &exitErr):
		inv.State = api.CommandFailed
		inv.ExitCode = exitErr.ExitCode()
	default:
		inv.State = api.CommandFailed
		inv.ExitCode = -1
		inv.Stderr += fmt.Sprintf("%v\n", err)
	}

	if err := s.Store.Put(inv); err != nil {
		s.logger.Error().Err(err).Str("handle", inv.ID).Msg("store result")
	}
	if s.Metrics != nil {
		s.Metrics.AgentInvocations.WithLabelValues(string(inv.State)).Inc()
	}
	s.logger.Info().Str("handle", inv.ID).Str("state", string(inv.State)).
		Int("exit_code", inv.ExitCode).Dur("duration", time.Since(start)).Msg("batch finished")
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.setServer(srv)
	return srv.ListenAndServe()
}

// Shutdown stops accepting requests, cancels running batches and waits for
// their results to be stored.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) setServer(srv *http.Server) {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
