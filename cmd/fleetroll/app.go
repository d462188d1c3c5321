package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetroll/internal/agent"
	"github.com/3cpo-dev/fleetroll/internal/catalog"
	"github.com/3cpo-dev/fleetroll/internal/commands"
	core "github.com/3cpo-dev/fleetroll/internal/core"
	"github.com/3cpo-dev/fleetroll/internal/executor"
	"github.com/3cpo-dev/fleetroll/internal/executor/agentexec"
	"github.com/3cpo-dev/fleetroll/internal/executor/sshexec"
	"github.com/3cpo-dev/fleetroll/internal/executor/ssmexec"
	fssh "github.com/3cpo-dev/fleetroll/internal/ssh"
	"github.com/3cpo-dev/fleetroll/internal/telemetry"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// app holds what every subcommand resolves from the global flags.
type app struct {
	cfg     core.Config
	catalog *catalog.Catalog
	metrics *telemetry.Metrics
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if name, _ := cmd.Flags().GetString("executor"); name != "" {
		cfg.Executor = name
	}
	catPath, _ := cmd.Flags().GetString("catalog")
	if catPath == "" {
		catPath = cfg.Catalog
	}
	cat, err := catalog.Load(catPath)
	if err != nil {
		return nil, err
	}
	if err := cat.Validate(); err != nil {
		// Malformed hosts fail on their own; the rest of the fleet still rolls.
		log.Warn().Err(err).Msg("catalog has invalid entries")
	}
	return &app{cfg: cfg, catalog: cat, metrics: telemetry.Global()}, nil
}

// registry registers every transport lazily so only the selected one needs
// credentials.
func (a *app) registry() *executor.Registry {
	cfg := a.cfg
	reg := executor.NewRegistry()
	reg.RegisterFactory(sshexec.Name, func() (executor.Executor, error) {
		opts := sshexec.Options{
			User:        cfg.SSH.User,
			Port:        cfg.SSH.Port,
			UseAgent:    cfg.SSH.UseAgent,
			DialTimeout: cfg.SSH.DialTimeout,
			Retries:     cfg.SSH.Retries,
			WorkDir:     cfg.SSH.WorkDir,
		}
		signer, err := fssh.LoadPrivateKeySigner(cfg.SSH.KeyPath)
		switch {
		case err == nil:
			opts.Signer = signer
		case errors.Is(err, fs.ErrNotExist) && cfg.SSH.UseAgent:
			log.Debug().Str("key", cfg.SSH.KeyPath).Msg("no private key, using ssh-agent only")
		default:
			return nil, err
		}
		if cfg.SSH.KnownHosts != "" {
			kh, err := fssh.HostKeyCallback(cfg.SSH.KnownHosts, cfg.SSH.AcceptNew)
			if err != nil {
				return nil, err
			}
			opts.KnownHosts = kh
		}
		return sshexec.New(opts), nil
	})
	reg.RegisterFactory(ssmexec.Name, func() (executor.Executor, error) {
		sess, err := ssmexec.NewSession(cfg.SSM.Region)
		if err != nil {
			return nil, err
		}
		return ssmexec.NewFromSession(sess, ssmexec.Options{
			CommandTimeout:    cfg.SSM.CommandTimeout,
			RequestsPerSecond: cfg.SSM.RequestsPerSecond,
			Comment:           "fleetroll " + cfg.Environment,
		}), nil
	})
	reg.RegisterFactory(agentexec.Name, func() (executor.Executor, error) {
		opts := agentexec.Options{
			Token:          cfg.Agent.Token,
			Port:           cfg.Agent.Port,
			RequestTimeout: cfg.Agent.RequestTimeout,
		}
		if cfg.Agent.CACert != "" || cfg.Agent.ClientCert != "" {
			tlsCfg, err := agent.ClientTLSConfig(cfg.Agent.CACert, cfg.Agent.ClientCert, cfg.Agent.ClientKey)
			if err != nil {
				return nil, err
			}
			opts.TLS = tlsCfg
		}
		return agentexec.New(opts), nil
	})
	return reg
}

func (a *app) orchestrator(environment string, concurrency int) (*core.Orchestrator, error) {
	if !api.ValidEnvironment(environment) {
		return nil, fmt.Errorf("unknown environment %q: want one of %s", environment, strings.Join(api.Environments, ", "))
	}
	exec, err := a.registry().Get(a.cfg.Executor)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = a.cfg.Concurrency
	}
	o := core.NewOrchestrator(a.catalog, commands.NewBuilder(environment), exec, core.Options{
		Concurrency:    concurrency,
		PollInterval:   a.cfg.Poll.Interval,
		DefaultTimeout: a.cfg.Poll.DefaultTimeout,
	})
	return o.WithMetrics(a.metrics), nil
}

// finish records the report in the history store and exports metrics.
// Neither failure changes the outcome of the run.
func (a *app) finish(ctx context.Context, report *api.DeploymentReport) {
	if !a.cfg.History.Disabled {
		if err := a.record(context.WithoutCancel(ctx), report); err != nil {
			log.Warn().Err(err).Str("path", a.cfg.History.Path).Msg("could not record run history")
		}
	}
	if a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			log.Warn().Err(err).Str("path", a.cfg.Metrics.Textfile).Msg("could not write metrics")
		}
	}
}

func (a *app) record(ctx context.Context, report *api.DeploymentReport) error {
	store, err := core.NewStore(a.cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordReport(ctx, report, a.cfg.Executor)
}

// reportError turns a failed report into the command error.
func reportError(report *api.DeploymentReport) error {
	if report.OK() {
		return nil
	}
	return fmt.Errorf("deployment failed: %d failed, %d timed out of %d hosts",
		report.Failed(), report.TimedOut(), report.Len())
}
