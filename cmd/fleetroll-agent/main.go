package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetroll/internal/agent"
	core "github.com/3cpo-dev/fleetroll/internal/core"
	"github.com/3cpo-dev/fleetroll/internal/telemetry"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetroll-agent",
		Short:         "Run fleetroll command batches on this host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().String("data", "/var/lib/fleetroll-agent/agent.db", "invocation database")
	cmd.Flags().String("secrets", "", "secrets.env holding FLEETROLL_AGENT_TOKEN")
	cmd.Flags().Duration("retention", 7*24*time.Hour, "how long finished invocations are kept")
	cmd.Flags().Duration("batch-timeout", time.Hour, "default execution limit of a batch")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dataPath, _ := cmd.Flags().GetString("data")
	secretsPath, _ := cmd.Flags().GetString("secrets")
	retention, _ := cmd.Flags().GetDuration("retention")
	batchTimeout, _ := cmd.Flags().GetDuration("batch-timeout")

	store, err := agent.OpenStore(dataPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if n, err := store.MarkInterrupted(); err != nil {
		return fmt.Errorf("recover invocations: %w", err)
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("marked interrupted invocations as failed")
	}
	if n, err := store.Prune(time.Now().Add(-retention)); err == nil && n > 0 {
		log.Info().Int("count", n).Msg("pruned old invocations")
	}

	srv := agent.NewServer(version, store, telemetry.NewMetrics().WithRuntimeCollectors())
	srv.DefaultTimeout = batchTimeout
	srv.Token = agentToken(secretsPath)
	if srv.Token == "" {
		log.Warn().Msg("no FLEETROLL_AGENT_TOKEN set, command endpoints are unauthenticated")
	}

	tlsCfg := agent.LoadMTLSConfig()
	errc := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		errc <- srv.ListenAndServe(addr)
	}()
	log.Info().Str("addr", addr).Str("data", dataPath).Bool("tls", tlsCfg.Enabled()).Msg("fleetroll-agent listening")

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-cmd.Context().Done():
	}
	log.Info().Msg("fleetroll-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// agentToken reads the bearer token from secrets.env; the environment wins.
func agentToken(secretsPath string) string {
	if v := os.Getenv("FLEETROLL_AGENT_TOKEN"); v != "" {
		return v
	}
	secrets, err := core.LoadSecretsEnv(secretsPath)
	if err != nil {
		log.Warn().Err(err).Msg("could not read secrets")
		return ""
	}
	return secrets["FLEETROLL_AGENT_TOKEN"]
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
