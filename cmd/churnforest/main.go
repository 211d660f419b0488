// Command churnforest trains a random forest churn classifier and records the
// run on an MLflow tracking server or a local run log.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/churnforest/internal/cfg"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "churnforest",
		Short:         "Train and track a customer churn random forest",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML config file (default $"+cfg.EnvConfigFile+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(g), newPredictCmd(g), newRunsCmd(g))
	return root
}

// loadSettings reads configuration and sets up logging. Flags passed on the
// command line are applied by the caller through override, and only the
// merged result is validated.
func loadSettings(g *globalFlags, override func(s *cfg.Settings)) (cfg.Settings, error) {
	s, err := cfg.Load(g.configFile)
	if err != nil {
		return cfg.Settings{}, err
	}
	if g.logLevel != "" {
		s.LogLevel = g.logLevel
	}
	if override != nil {
		override(&s)
	}
	if err := cfg.Validate(&s); err != nil {
		return cfg.Settings{}, errors.Wrap(err, "configuration validation failed")
	}
	if err := log.SetupLogger(s.LogLevel); err != nil {
		return cfg.Settings{}, err
	}
	return s, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.GetLogger().Error("churnforest failed", err)
		stop()
		os.Exit(1)
	}
}
