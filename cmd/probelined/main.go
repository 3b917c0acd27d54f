// Package main provides the probelined daemon binary.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/probeline/probeline/internal/config"
	"github.com/probeline/probeline/internal/daemon"
	"github.com/probeline/probeline/internal/engine"
	"github.com/probeline/probeline/internal/engine/loopback"
	"github.com/probeline/probeline/internal/errors"
	"github.com/probeline/probeline/internal/logging"
	"github.com/probeline/probeline/internal/resolver"
	"github.com/probeline/probeline/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "probelined",
		Short:         "Probeline - dynamic function tracing for debugging sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		engineName string
		logLevel   string
		pretty     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trace daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if pretty {
				cfg.Logging.Pretty = true
			}

			logger := logging.New(logging.Config{
				Level:  cfg.Logging.Level,
				Pretty: cfg.Logging.Pretty,
			})

			var eng engine.Engine
			switch engineName {
			case "loopback":
				eng = loopback.New(logger)
			default:
				return fmt.Errorf("unknown engine %q", engineName)
			}

			d, err := daemon.New(logger, cfg, eng, resolver.NewStatic())
			if err != nil {
				return err
			}

			logger.Info().
				Str("version", version.Version).
				Str("engine", engineName).
				Str("storage", cfg.Storage.Path).
				Msg("probelined started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("shutting down")

			return d.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "probeline.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&engineName, "engine", "loopback", "Instrumentation engine (loopback)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console logging")

	errors.Must(cmd.RegisterFlagCompletionFunc("engine",
		cobra.FixedCompletions([]string{"loopback"}, cobra.ShellCompDirectiveNoFileComp)),
		"register engine flag completion")
	errors.Must(cmd.RegisterFlagCompletionFunc("log-level",
		cobra.FixedCompletions([]string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp)),
		"register log-level flag completion")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Probeline version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
