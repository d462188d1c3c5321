package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetroll",
		Short: "fleetroll: ordered container rollouts across a fixed fleet",
		Long:  "fleetroll deploys containerized services to a catalog of named hosts in dependency order and reports per-host outcomes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/fleetroll/config.yaml)")
	cmd.PersistentFlags().String("catalog", "", "host catalog file (default: built-in catalog)")
	cmd.PersistentFlags().String("executor", "", "remote execution transport: ssh, ssm or agent")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDeployAllCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetroll %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
