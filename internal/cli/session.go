package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/me/pipe/internal/config"
	"github.com/me/pipe/internal/history"
	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/internal/pipeline"
	"github.com/me/pipe/internal/pool"
	"github.com/me/pipe/internal/server"
	"github.com/me/pipe/internal/tracing"
	"github.com/me/pipe/pkg/model"
)

// session owns everything one command invocation runs with: the loop, the
// worker pool and the optional history store and trace span.
type session struct {
	cfg      config.Config
	loop     *loop.Loop
	pool     *pool.Pool
	store    history.Store // nil when history is disabled
	recorder *history.Recorder
	summary  *summary
	span     trace.Span
}

// openSession builds the loop for pipeline name. History and tracing
// problems are logged and leave the session without them. The returned
// context carries the run span, if any.
func openSession(ctx context.Context, cfg config.Config, name, file string) (*session, context.Context) {
	s := &session{
		cfg:     cfg,
		summary: &summary{},
	}
	observers := []loop.Option{loop.WithObserver(s.summary)}

	if !cfg.NoHistory {
		if st, err := openStore(ctx, cfg); err != nil {
			logger.Warn("history disabled", "error", err)
		} else {
			rec := history.NewRecorder(st, logger)
			if _, err := rec.Start(ctx, name, file); err != nil {
				logger.Warn("history disabled", "error", err)
				st.Close()
			} else {
				s.store = st
				s.recorder = rec
				observers = append(observers, loop.WithObserver(rec))
			}
		}
	}

	if cfg.TraceFile != "" {
		if err := tracing.Init("pipe", server.Version, cfg.TraceFile); err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			ctx, s.span = tracing.StartSpan(ctx, "pipeline "+name)
			observers = append(observers, loop.WithObserver(tracing.NewObserver(ctx, nil)))
		}
	}

	s.pool = pool.New(cfg.Workers, cfg.Workers*4, logger)
	s.loop = loop.New(loop.Config{TickDuration: cfg.TickDuration}, logger, observers...)
	return s, ctx
}

func openStore(ctx context.Context, cfg config.Config) (*history.SQLiteStore, error) {
	path, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, err
	}
	st, err := history.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return st, nil
}

// env is the pipeline build environment for this session.
func (s *session) env() pipeline.Env {
	return pipeline.Env{
		Logger:    logger,
		Pool:      s.pool,
		PollTicks: s.cfg.PollInterval,
	}
}

// close finishes the run record and releases everything. An empty state is
// derived from the task outcomes.
func (s *session) close(state model.RunState, runErr error) {
	s.pool.Shutdown()

	if s.recorder != nil {
		if err := s.recorder.Finish(context.Background(), state); err != nil {
			logger.Warn("finish run", "error", err)
		}
		s.store.Close()
	}

	if s.span != nil {
		if runErr == nil && s.summary.failed > 0 {
			runErr = fmt.Errorf("%d of %d tasks failed", s.summary.failed, len(s.summary.tasks))
		}
		tracing.EndSpan(s.span, runErr)
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}
}

// runID returns the recorded run id, or "".
func (s *session) runID() string {
	if s.recorder == nil || s.recorder.Run() == nil {
		return ""
	}
	return s.recorder.Run().ID
}

// summary collects retired tasks for the end-of-run report.
type summary struct {
	loop.NopObserver

	tasks  []taskLine
	failed int
}

type taskLine struct {
	view     model.TaskView
	duration time.Duration
}

func (s *summary) TaskRetired(t *loop.Task) {
	s.tasks = append(s.tasks, taskLine{
		view:     t.View(),
		duration: t.FinishedAt().Sub(t.CreatedAt()),
	})
	if t.State() != model.TaskStateCompleted {
		s.failed++
	}
}

func (s *summary) print(w io.Writer) {
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].view.ID < s.tasks[j].view.ID })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tTICKS\tDURATION\tOUTCOME")
	for _, l := range s.tasks {
		v := l.view
		outcome := v.Error
		if outcome == "" && v.Result != nil {
			outcome = fmt.Sprint(v.Result)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			v.ID, v.Name, v.State, v.FinishedTick-v.CreatedTick,
			l.duration.Round(time.Millisecond), oneLine(outcome, 80))
	}
	tw.Flush()
}

func oneLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > n {
		cut := n - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
