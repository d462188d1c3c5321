package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/fleetroll/internal/core"
	"github.com/3cpo-dev/fleetroll/internal/executor/ssmexec"
	"github.com/3cpo-dev/fleetroll/internal/health"
	fssh "github.com/3cpo-dev/fleetroll/internal/ssh"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// Print the catalog
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the hosts of the catalog in rollout order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), a.catalog)
			return nil
		},
	}
}

// Deploy every host
func newDeployAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy-all",
		Short: "Deploy every host of the catalog in rollout order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if list, _ := cmd.Flags().GetBool("list"); list {
				printCatalog(cmd.OutOrStdout(), a.catalog)
				return nil
			}
			env, _ := cmd.Flags().GetString("environment")
			if env == "" {
				env = a.cfg.Environment
			}
			noWait, _ := cmd.Flags().GetBool("no-wait")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			o, err := a.orchestrator(env, concurrency)
			if err != nil {
				return err
			}

			var report *api.DeploymentReport
			if noWait {
				report, err = o.SubmitAll(cmd.Context())
			} else {
				report, err = o.DeployAll(cmd.Context())
			}
			printSummary(cmd.OutOrStdout(), report)
			a.finish(cmd.Context(), report)
			if err != nil {
				return fmt.Errorf("rollout interrupted: %w", err)
			}
			return reportError(report)
		},
	}
	cmd.Flags().String("environment", "", "deployment environment: dev, staging or prod")
	cmd.Flags().Bool("no-wait", false, "submit every host without waiting for completion")
	cmd.Flags().Bool("list", false, "list the catalog and exit")
	cmd.Flags().Int("concurrency", 0, "hosts of one tier deployed at once (default from config)")
	return cmd
}

// Deploy a single host
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a single host of the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if list, _ := cmd.Flags().GetBool("list"); list {
				printCatalog(cmd.OutOrStdout(), a.catalog)
				return nil
			}
			host, _ := cmd.Flags().GetString("instance")
			if host == "" {
				return errors.New("--instance is required")
			}
			env, _ := cmd.Flags().GetString("environment")
			if env == "" {
				env = a.cfg.Environment
			}
			noWait, _ := cmd.Flags().GetBool("no-wait")
			o, err := a.orchestrator(env, 1)
			if err != nil {
				return err
			}
			report, err := o.Run(cmd.Context(), []string{host}, noWait)
			printSummary(cmd.OutOrStdout(), report)
			a.finish(cmd.Context(), report)
			if err != nil {
				return err
			}
			return reportError(report)
		},
	}
	cmd.Flags().String("instance", "", "host name from the catalog")
	cmd.Flags().String("environment", "", "deployment environment: dev, staging or prod")
	cmd.Flags().Bool("no-wait", false, "submit without waiting for completion")
	cmd.Flags().Bool("list", false, "list the catalog and exit")
	return cmd
}

// Wait for a target group to settle
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Wait until every target of a group is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			group, _ := cmd.Flags().GetString("group")
			name, _ := cmd.Flags().GetString("registry")
			if name == "" {
				name = a.cfg.Health.Registry
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout <= 0 {
				timeout = a.cfg.Health.Timeout
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = a.cfg.Health.Interval
			}

			var reg health.Registry
			switch name {
			case "elbv2":
				sess, err := ssmexec.NewSession(a.cfg.SSM.Region)
				if err != nil {
					return err
				}
				reg = health.NewELBv2RegistryFromSession(sess)
			case "http":
				probe := health.NewProbeRegistry(a.cfg.Health.Groups)
				probe.Threshold = a.cfg.Health.FailureThreshold
				reg = probe
			default:
				return fmt.Errorf("unknown health registry %q", name)
			}

			res, err := health.Wait(cmd.Context(), reg, group, health.WaitOptions{
				Interval: interval,
				Timeout:  timeout,
				Metrics:  a.metrics,
			})
			printHealth(cmd.OutOrStdout(), res)
			if a.cfg.Metrics.Textfile != "" {
				if werr := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); werr != nil {
					log.Warn().Err(werr).Msg("could not write metrics")
				}
			}
			if err != nil {
				return err
			}
			if !res.Converged {
				return fmt.Errorf("group %s did not settle within %s", group, timeout)
			}
			if !res.OK() {
				return fmt.Errorf("group %s has %d unhealthy targets", group, len(res.Unhealthy()))
			}
			return nil
		},
	}
	cmd.Flags().String("group", "", "target group name or ARN (elbv2) or configured group (http)")
	cmd.Flags().String("registry", "", "health registry: elbv2 or http")
	cmd.Flags().Duration("timeout", 0, "how long to wait (default from config)")
	cmd.Flags().Duration("interval", 0, "poll interval (default from config)")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the history store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID, _ := cmd.Flags().GetString("run"); runID != "" {
				results, err := store.RunResults(cmd.Context(), runID)
				if err != nil {
					return err
				}
				printResults(cmd.OutOrStdout(), results)
				return nil
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	cmd.Flags().String("run", "", "show the per-host results of one run")
	return cmd
}

// Initialize configuration and SSH material
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config directory, an SSH key and the known_hosts file. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := os.MkdirAll(filepath.Dir(cfg.SSH.KeyPath), 0o700); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.SSH.KeyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := fssh.GenerateEd25519Keypair(cfg.SSH.KeyPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated %s\n%s", cfg.SSH.KeyPath, pub)
			} else {
				fmt.Fprintf(out, "key %s already exists\n", cfg.SSH.KeyPath)
			}
			if err := fssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			fmt.Fprintf(out, "known hosts: %s\n", cfg.SSH.KnownHosts)
			fmt.Fprintf(out, "history: %s\n", filepath.Clean(cfg.History.Path))
			return nil
		},
	}
}
