package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type taskView struct {
	ID           string `json:"task_uuid"`
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	Version      int    `json:"version"`
	CurrentState string `json:"current_state"`
}

type getTaskResponse struct {
	Task taskView `json:"task"`
}

type stepView struct {
	ID           string `json:"step_uuid"`
	StepName     string `json:"step_name"`
	CurrentState string `json:"current_state"`
	Attempts     int    `json:"attempts"`
}

type listStepsResponse struct {
	Steps []stepView `json:"steps"`
}

func newGetCmd(flags *GlobalFlags) *cobra.Command {
	var withSteps bool

	cmd := &cobra.Command{
		Use:   "get <task-uuid>",
		Short: "Fetch a task's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(flags.ServerAddr, flags.AuthToken)
			var resp getTaskResponse
			if err := client.Get(cmd.Context(), "/api/tasks/"+args[0], &resp); err != nil {
				return err
			}

			var steps []stepView
			if withSteps {
				var stepsResp listStepsResponse
				if err := client.Get(cmd.Context(), "/api/tasks/"+args[0]+"/steps", &stepsResp); err != nil {
					return err
				}
				steps = stepsResp.Steps
			}

			payload := struct {
				Task  taskView   `json:"task"`
				Steps []stepView `json:"steps,omitempty"`
			}{Task: resp.Task, Steps: steps}

			return printResult(cmd, flags, payload, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s/%s v%d  %s\n", resp.Task.ID, resp.Task.Namespace, resp.Task.Name, resp.Task.Version, resp.Task.CurrentState)
				for _, s := range steps {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %-16s attempts=%d\n", s.StepName, s.CurrentState, s.Attempts)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&withSteps, "steps", false, "also fetch and print the task's steps")
	return cmd
}
