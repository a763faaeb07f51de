package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pipe/internal/config"
	"github.com/me/pipe/internal/logging"
	"github.com/me/pipe/internal/pipeline"
)

var (
	flagDebug        bool
	flagLogLevel     string
	flagLogFormat    string
	flagDB           string
	flagNoHistory    bool
	flagTick         time.Duration
	flagPollInterval int64
	flagWorkers      int
	flagTraceFile    string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the pipe CLI.
func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	root := &cobra.Command{
		Use:   "pipe",
		Short: "Cooperative tick scheduler for external processes",
		Long: `pipe runs pipelines of polled processes, scripts, pool calls and cron
triggers on a single-threaded tick loop, and records their outcomes.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			level, err := logging.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			if !logging.ValidFormat(flagLogFormat) {
				return fmt.Errorf("unknown log format %q (want text or json)", flagLogFormat)
			}
			logger = logging.NewLoggerWithWriter(level, flagLogFormat, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	pf.StringVar(&flagLogLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogFormat, "log-format", defaults.LogFormat, "Log format (text, json)")
	pf.StringVar(&flagDB, "db", "", "History database path (default $PIPE_DB or ~/.pipe/history.db)")
	pf.BoolVar(&flagNoHistory, "no-history", false, "Do not record runs")
	pf.DurationVar(&flagTick, "tick", defaults.TickDuration, "Wall time per loop tick (0 = free-running)")
	pf.Int64Var(&flagPollInterval, "poll-interval", defaults.PollInterval, "Ticks between polls of processes and pool calls")
	pf.IntVar(&flagWorkers, "workers", defaults.Workers, "Worker pool size for call jobs")
	pf.StringVar(&flagTraceFile, "trace-file", "", "Write OpenTelemetry spans to this file")

	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newExecCmd(),
		newValidateCmd(),
		newHistoryCmd(),
	)

	return root
}

// resolveConfig layers the defaults, the pipeline's settings block and the
// flags the user actually set, in that order.
func resolveConfig(cmd *cobra.Command, settings *pipeline.Settings) (config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = flagLogLevel
	cfg.LogFormat = flagLogFormat
	if settings != nil {
		cfg.Apply(settings.Config())
	}

	fl := cmd.Flags()
	if fl.Changed("tick") {
		cfg.TickDuration = flagTick
	}
	if fl.Changed("poll-interval") {
		cfg.PollInterval = flagPollInterval
	}
	if fl.Changed("workers") {
		cfg.Workers = flagWorkers
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	cfg.NoHistory = flagNoHistory
	cfg.TraceFile = flagTraceFile

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
