package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// printResult renders payload as indented JSON when --output=json, otherwise
// calls renderText. Every subcommand funnels its result through this so
// --output stays consistent across the CLI instead of each command
// reimplementing the branch.
func printResult(cmd *cobra.Command, flags *GlobalFlags, payload any, renderText func()) error {
	if flags.Output == OutputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	renderText()
	return nil
}
