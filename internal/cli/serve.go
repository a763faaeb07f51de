package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/me/pipe/internal/metrics"
	"github.com/me/pipe/internal/pipeline"
	"github.com/me/pipe/internal/server"
	"github.com/me/pipe/pkg/model"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve <pipeline-file>",
		Short: "Run a pipeline forever, optionally with a status API",
		Long: `Runs the pipeline on a loop that keeps going after every task finished, so
unlimited cron jobs keep firing. With --listen, serves the status API and
Prometheus metrics. SIGINT or SIGTERM cancels all live tasks and stops.`,
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
			cfg, err := resolveConfig(cmd, &f.Settings)
			if err != nil {
				return err
			}
			cfg.Listen = listen

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, ctx := openSession(ctx, cfg, f.Name, path)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			sess.loop.AddObserver(metrics.NewRegistry(reg))

			srvErr := make(chan error, 1)
			if cfg.Listen != "" {
				srv := server.New(sess.loop, logger,
					server.WithGatherer(reg),
					server.WithHistory(sess.store),
					server.WithPipeline(f.Name),
				)
				sess.loop.AddObserver(srv)
				go func() {
					err := srv.ListenAndServe(ctx, cfg.Listen)
					if err != nil {
						logger.Error("server failed", "addr", cfg.Listen, "error", err)
						sess.loop.Stop()
					}
					srvErr <- err
				}()
			}

			if _, err := pipeline.Build(sess.loop, f, sess.env()); err != nil {
				stop()
				sess.close(model.RunStateFailed, err)
				return err
			}

			logger.Info("serving pipeline", "pipeline", f.Name, "listen", cfg.Listen, "run_id", sess.runID())
			runErr := sess.loop.RunForever(ctx)
			n := sess.loop.CancelAll()
			logger.Info("pipeline stopped", "pipeline", f.Name, "cancelled", n)
			stop()

			if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
				runErr = nil
			}
			if cfg.Listen != "" {
				if err := <-srvErr; err != nil && runErr == nil {
					runErr = fmt.Errorf("status server: %w", err)
				}
			}
			sess.close(model.RunStateStopped, runErr)
			return runErr
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Serve the status API on this address (e.g. :8080)")
	return cmd
}
