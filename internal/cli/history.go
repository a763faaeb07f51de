package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/pipe/pkg/model"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		state string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run's tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, nil)
			if err != nil {
				return err
			}
			if cfg.NoHistory {
				return errors.New("history is disabled")
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := st.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return model.NewNotFoundError("run", args[0])
				}
				records, err := st.ListTaskRecords(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				printRun(w, run, records)
				return nil
			}

			if state != "" {
				state = strings.ToUpper(state)
				switch model.RunState(state) {
				case model.RunStateRunning, model.RunStateCompleted, model.RunStateFailed, model.RunStateStopped:
				default:
					return fmt.Errorf("unknown run state %q", state)
				}
			}
			opts := model.ListOptions{Limit: limit, State: state}
			opts.Clamp()
			runs, total, err := st.ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printRuns(w, runs)
			if total > len(runs) {
				fmt.Fprintf(w, "\n(%d of %d shown)\n", len(runs), total)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.Flags().StringVar(&state, "state", "", "Only list runs in this state")
	return cmd
}

func printRuns(w io.Writer, runs []*model.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATE\tTASKS\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Pipeline, r.State, r.Tasks, r.Failed,
			humanize.Time(r.StartedAt), runDuration(r))
	}
	tw.Flush()
}

func printRun(w io.Writer, r *model.Run, records []*model.TaskRecord) {
	fmt.Fprintf(w, "run:      %s\n", r.ID)
	fmt.Fprintf(w, "pipeline: %s\n", r.Pipeline)
	if r.File != "" {
		fmt.Fprintf(w, "file:     %s\n", r.File)
	}
	fmt.Fprintf(w, "state:    %s (%d tasks, %d failed)\n", r.State, r.Tasks, r.Failed)
	fmt.Fprintf(w, "started:  %s (%s)\n", r.StartedAt.Local().Format(time.DateTime), humanize.Time(r.StartedAt))
	fmt.Fprintf(w, "duration: %s\n\n", runDuration(r))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tNAME\tSTATE\tEXIT\tTICKS\tDURATION\tOUTPUT\tERROR")
	for _, rec := range records {
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprint(*rec.ExitCode)
		}
		out := uint64(len(rec.Stdout) + len(rec.Stderr))
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.TaskID, rec.Name, rec.State, exit,
			rec.FinishedTick-rec.CreatedTick, rec.Duration().Round(time.Millisecond),
			humanize.Bytes(out), oneLine(rec.Error, 60))
	}
	tw.Flush()
}

func runDuration(r *model.Run) string {
	if r.CompletedAt == nil {
		return "running"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
