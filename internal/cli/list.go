package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type listTasksResponse struct {
	Tasks []taskView `json:"tasks"`
}

func newListCmd(flags *GlobalFlags) *cobra.Command {
	var namespace string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by namespace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if namespace != "" {
				q.Set("namespace", namespace)
			}
			q.Set("limit", fmt.Sprintf("%d", limit))
			q.Set("offset", fmt.Sprintf("%d", offset))

			client := NewClient(flags.ServerAddr, flags.AuthToken)
			var resp listTasksResponse
			if err := client.Get(cmd.Context(), "/api/tasks?"+q.Encode(), &resp); err != nil {
				return err
			}

			return printResult(cmd, flags, resp, func() {
				for _, t := range resp.Tasks {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s/%s v%d  %s\n", t.ID, t.Namespace, t.Name, t.Version, t.CurrentState)
				}
			})
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "filter by namespace")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}
