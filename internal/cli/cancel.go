package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-uuid>",
		Short: "Cancel a task and every non-terminal step beneath it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(flags.ServerAddr, flags.AuthToken)
			if err := client.Post(cmd.Context(), "/api/tasks/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}
