package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/config"
	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
	"github.com/JakeFAU/fetch-orchestrator/internal/metrics"
	"github.com/JakeFAU/fetch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/fetch-orchestrator/internal/sink"
	"github.com/JakeFAU/fetch-orchestrator/internal/telemetry"
)

type runFlags struct {
	targetsFile string
	backend     string
	poolSize    int
	deadline    time.Duration
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [targets...]",
		Short: "Fetch targets and print the report",
		Long: `Fetches every target given as an argument or listed in --targets-file
(one per line, '#' comments allowed, '-' reads stdin). Failed targets are part
of the report; the command only fails on configuration errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			targets, err := collectTargets(args, flags.targetsFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg := applyRunFlags(cmd, a.cfg, flags)
			return runTargets(cmd.Context(), a, cfg, targets, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&flags.targetsFile, "targets-file", "", "file with one target per line ('-' for stdin)")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "concurrency backend: thread, process or async")
	cmd.Flags().IntVar(&flags.poolSize, "pool-size", 0, "maximum concurrent attempts")
	cmd.Flags().DurationVar(&flags.deadline, "deadline", 0, "overall run deadline (0 for none)")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg config.Config, flags runFlags) config.Config {
	if cmd.Flags().Changed("backend") {
		cfg.Orchestrator.Backend = flags.backend
	}
	if cmd.Flags().Changed("pool-size") {
		cfg.Orchestrator.PoolSize = flags.poolSize
	}
	if cmd.Flags().Changed("deadline") {
		cfg.Orchestrator.OverallDeadline = flags.deadline
	}
	return cfg
}

// collectTargets merges positional targets with the targets file, in order.
func collectTargets(args []string, path string, stdin io.Reader) ([]string, error) {
	targets := append([]string(nil), args...)
	if path == "" {
		return targets, nil
	}
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open targets file: %w", err)
		}
		defer f.Close()
		r = f
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return targets, nil
}

// workerCommand re-invokes this binary as a process-backend child.
func workerCommand(cfgPath string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := []string{exe, "worker"}
	if cfgPath != "" {
		cmd = append(cmd, "--config", cfgPath)
	}
	return cmd, nil
}

func runTargets(ctx context.Context, a *app, cfg config.Config, targets []string, stdout, stderr io.Writer) error {
	logger := a.logger
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var processCmd []string
	if len(cfg.Process.Command) == 0 {
		cmd, err := workerCommand(a.cfgPath)
		if err != nil {
			return err
		}
		processCmd = cmd
	}
	ocfg := cfg.ToOrchestrator(processCmd)
	ocfg.Process.Stderr = stderr

	f, release, err := buildFetcher(cfg.Fetcher, logger)
	if err != nil {
		return err
	}
	defer release()

	tp, err := telemetry.InitTracerProvider(ctx, "fetchd")
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer provider shutdown", zap.Error(err))
		}
	}()

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithTracerProvider(tp),
	}

	sinks, closeSinks, err := buildSinks(ctx, cfg, len(targets), stdout, stderr, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)
		promSink, err := sink.NewPrometheusSink(reg)
		if err != nil {
			return err
		}
		sinks = append(sinks, promSink)
		opts = append(opts, orchestrator.WithMetrics(m))

		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		go func() {
			if err := metrics.Serve(serveCtx, cfg.Metrics.Addr, metrics.NewRouter(reg, m), logger.Named("metrics")); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	opts = append(opts, orchestrator.WithSinks(sinks...))

	report, err := orchestrator.New(ocfg, f, opts...).Run(ctx, targets)
	if err != nil {
		return err
	}
	logger.Debug("report delivered",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("cancelled", report.Cancelled),
	)
	return nil
}

// buildSinks wires the sinks enabled in cfg. The returned func closes any that
// hold external resources.
func buildSinks(
	ctx context.Context,
	cfg config.Config,
	total int,
	stdout, stderr io.Writer,
	logger *zap.Logger,
) ([]fetch.ResultSink, func(), error) {
	var sinks []fetch.ResultSink
	closers := []func() error{}
	if cfg.Sinks.Log {
		sinks = append(sinks, sink.NewLogSink(logger.Named("results")))
	}
	if cfg.Sinks.Progress {
		sinks = append(sinks, sink.NewProgressSink(stderr, total))
	}
	if cfg.Sinks.Table {
		sinks = append(sinks, sink.NewTableSink(stdout))
	}
	if cfg.Sinks.PubSub.Enabled() {
		ps, err := sink.DialPubSub(ctx, cfg.Sinks.PubSub.ProjectID, cfg.Sinks.PubSub.Topic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ps)
		closers = append(closers, ps.Close)
	}
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("closing sink", zap.Error(err))
			}
		}
	}
	return sinks, closeAll, nil
}
