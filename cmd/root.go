// Package cmd defines the fetchd CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/config"
	"github.com/JakeFAU/fetch-orchestrator/internal/logging"
)

const roleWorker = "worker"

type appKeyType string

const appKey appKeyType = "app"

// app carries what every subcommand needs.
type app struct {
	cfgPath string
	cfg     config.Config
	logger  *zap.Logger
}

func newApp(cfgPath string, worker bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	newLogger := logging.New
	if worker {
		newLogger = logging.ForWorker
	}
	logger, err := newLogger(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	return &app{cfgPath: cfgPath, cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "fetchd",
		Short: "Concurrent fetch orchestrator",
		Long: `fetchd fetches a list of targets through a bounded pool of workers,
rate limited per host, retrying transient failures with backoff, and prints a
report of every target.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfgFile, cmd.Annotations["role"] == roleWorker)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app); ok {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newWorkerCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetchd: %v\n", err)
		os.Exit(1)
	}
}
