package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type deadLetterEntry struct {
	Task         taskView `json:"task"`
	FailingSteps []struct {
		StepName     string `json:"step_name"`
		ErrorKind    string `json:"error_kind"`
		ErrorMessage string `json:"error_message"`
		Attempts     int    `json:"attempts"`
	} `json:"failing_steps"`
}

type listDeadLetterResponse struct {
	Entries []deadLetterEntry `json:"entries"`
}

// newDeadLetterCmd groups the recovery-operator surface under
// "taskerctl dead-letter", mirroring spec.md §9's list/resolve pair.
func newDeadLetterCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Inspect and resolve tasks stuck in terminal error",
	}
	cmd.AddCommand(newDeadLetterListCmd(flags))
	cmd.AddCommand(newDeadLetterResolveCmd(flags))
	return cmd
}

func newDeadLetterListCmd(flags *GlobalFlags) *cobra.Command {
	var namespace string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks and their failing steps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if namespace != "" {
				q.Set("namespace", namespace)
			}
			q.Set("limit", fmt.Sprintf("%d", limit))
			q.Set("offset", fmt.Sprintf("%d", offset))

			client := NewClient(flags.ServerAddr, flags.AuthToken)
			var resp listDeadLetterResponse
			if err := client.Get(cmd.Context(), "/api/dead-letter?"+q.Encode(), &resp); err != nil {
				return err
			}

			return printResult(cmd, flags, resp, func() {
				for _, e := range resp.Entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s/%s\n", e.Task.ID, e.Task.Namespace, e.Task.Name)
					for _, f := range e.FailingSteps {
						fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %s: %s (attempts=%d)\n", f.StepName, f.ErrorKind, f.ErrorMessage, f.Attempts)
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "filter by namespace")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func newDeadLetterResolveCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <task-uuid>",
		Short: "Mark a dead-lettered task resolved_manually without requeuing work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(flags.ServerAddr, flags.AuthToken)
			if err := client.Post(cmd.Context(), "/api/dead-letter/"+args[0]+"/resolve", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", args[0])
			return nil
		},
	}
}
