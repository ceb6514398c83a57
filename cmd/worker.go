package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetch-orchestrator/internal/backend"
	"github.com/JakeFAU/fetch-orchestrator/internal/retry"
)

// newWorkerCmd is the child side of the process backend. The parent talks to
// it over stdin/stdout; logs go to stderr.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "worker",
		Short:       "Serve fetch requests on stdin/stdout for the process backend",
		Hidden:      true,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"role": roleWorker},
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			f, release, err := buildFetcher(a.cfg.Fetcher, a.logger)
			if err != nil {
				return err
			}
			defer release()

			work := backend.FetchWork(f, a.cfg.Orchestrator.RequestTimeout)
			err = backend.ServeWorker(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), work, retry.NewManager())
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		},
	}
}
