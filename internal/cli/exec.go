package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/internal/process"
	"github.com/me/pipe/pkg/model"
)

func newExecCmd() *cobra.Command {
	var (
		timeout time.Duration
		dir     string
	)

	cmd := &cobra.Command{
		Use:   "exec [--timeout D] -- <command> [args...]",
		Short: "Run one command as a polled task",
		Long: `Runs a single command under the loop, polling it every --poll-interval
ticks, and relays its output. Exits with the command's exit code, or 124
when --timeout expired and the command was killed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			spec := process.Spec{Argv: args, Dir: dir}
			sess, ctx := openSession(ctx, cfg, "exec", "")
			runner := process.NewRunner(spec,
				process.WithTimeout(timeout),
				process.WithPollTicks(cfg.PollInterval),
				process.WithLogger(logger),
			)

			_, runErr := sess.loop.RunUntilComplete(ctx, runner, loop.WithName(spec.String()))
			if ctx.Err() != nil {
				sess.loop.CancelAll()
				sess.close(model.RunStateStopped, runErr)
				return &ExitError{Code: ExitInterrupt, Err: errors.New("interrupted")}
			}
			sess.close("", runErr)

			stdout, stderr := runner.Output()
			var te *model.TimeoutError
			if errors.As(runErr, &te) {
				stdout, stderr = te.Stdout, te.Stderr
			}
			cmd.OutOrStdout().Write(stdout)
			cmd.ErrOrStderr().Write(stderr)

			switch {
			case te != nil:
				return &ExitError{Code: ExitTimeout, Err: te}
			case runErr != nil:
				return runErr
			}
			if code, ok := runner.ExitCode(); ok && code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the command after this long (0 = never)")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for the command")
	return cmd
}
