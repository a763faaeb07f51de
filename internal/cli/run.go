package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/pipe/internal/pipeline"
	"github.com/me/pipe/pkg/model"
)

func newRunCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline until every task has finished",
		Long: `Runs every job of the pipeline file on one loop and waits until all tasks,
dependents included, have finished. Exits non-zero when any task failed.

Pipelines with cron jobs that have no limit never finish; use 'pipe serve'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := pipeline.Load(path)
			if err != nil {
				return err
			}
			if err := pipeline.Validate(f); err != nil {
				return err
			}
			if f.Unlimited() {
				return fmt.Errorf("pipeline %s has cron jobs without a limit; use 'pipe serve'", f.Name)
			}
			cfg, err := resolveConfig(cmd, &f.Settings)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, ctx := openSession(ctx, cfg, f.Name, path)
			if _, err := pipeline.Build(sess.loop, f, sess.env()); err != nil {
				sess.close(model.RunStateFailed, err)
				return err
			}

			logger.Info("running pipeline", "pipeline", f.Name, "jobs", len(f.Jobs),
				"tick", cfg.TickDuration, "run_id", sess.runID())
			runErr := sess.loop.Run(ctx)

			var state model.RunState
			if runErr != nil {
				n := sess.loop.CancelAll()
				logger.Warn("pipeline interrupted", "pipeline", f.Name, "cancelled", n, "error", runErr)
				state = model.RunStateStopped
			}
			sess.close(state, runErr)

			if !quiet {
				sess.summary.print(cmd.OutOrStdout())
				if id := sess.runID(); id != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "\nrun: %s\n", id)
				}
			}

			switch {
			case errors.Is(runErr, context.Canceled):
				return &ExitError{Code: ExitInterrupt, Err: errors.New("interrupted")}
			case runErr != nil:
				return runErr
			case sess.summary.failed > 0:
				return &ExitError{
					Code: ExitFailure,
					Err:  fmt.Errorf("%d of %d tasks failed", sess.summary.failed, len(sess.summary.tasks)),
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the task summary")
	return cmd
}
