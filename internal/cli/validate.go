package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/pipe/internal/pipeline"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Check a pipeline file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}
			err = pipeline.Validate(f)
			var ve *pipeline.ValidationError
			if errors.As(err, &ve) {
				for _, fe := range ve.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", fe.String())
				}
				return fmt.Errorf("pipeline %s: %d problems", f.Name, len(ve.Errors))
			}
			if err != nil {
				return err
			}

			jobs := 0
			f.Walk(func(string, *pipeline.Job, bool) { jobs++ })
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s: %d jobs OK\n", f.Name, jobs)
			return nil
		},
	}
}
