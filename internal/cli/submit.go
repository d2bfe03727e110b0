package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type submitRequest struct {
	Namespace     string   `json:"namespace"`
	Name          string   `json:"name"`
	Version       int      `json:"version"`
	Context       json.RawMessage `json:"context,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	Initiator     string   `json:"initiator,omitempty"`
	SourceSystem  string   `json:"source_system,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

type submitResponse struct {
	TaskUUID string `json:"task_uuid"`
}

func newSubmitCmd(flags *GlobalFlags) *cobra.Command {
	var namespace, name, contextJSON, correlationID, initiator, sourceSystem, reason string
	var version, priority int
	var tags []string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new task from a registered template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := submitRequest{
				Namespace:     namespace,
				Name:          name,
				Version:       version,
				CorrelationID: correlationID,
				Priority:      priority,
				Initiator:     initiator,
				SourceSystem:  sourceSystem,
				Reason:        reason,
				Tags:          tags,
			}
			if contextJSON != "" {
				if !json.Valid([]byte(contextJSON)) {
					return fmt.Errorf("--context must be valid JSON")
				}
				req.Context = json.RawMessage(contextJSON)
			}

			client := NewClient(flags.ServerAddr, flags.AuthToken)
			var resp submitResponse
			if err := client.Post(cmd.Context(), "/api/tasks", req, &resp); err != nil {
				return err
			}
			return printResult(cmd, flags, resp, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "submitted task %s\n", resp.TaskUUID)
			})
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "task namespace (required)")
	cmd.Flags().StringVar(&name, "name", "", "template name (required)")
	cmd.Flags().IntVar(&version, "version", 1, "template version")
	cmd.Flags().StringVar(&contextJSON, "context", "{}", "task context as a JSON object")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id for tracing this submission")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority")
	cmd.Flags().StringVar(&initiator, "initiator", "", "who/what requested this task")
	cmd.Flags().StringVar(&sourceSystem, "source-system", "", "system that originated the request")
	cmd.Flags().StringVar(&reason, "reason", "", "human-readable reason for submission")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "repeatable free-form tag")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
