package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// GlobalFlags holds flags available to every subcommand, grounded on
// atlas's GlobalFlags/BindGlobalFlags split between cobra flag definitions
// and viper's env-var/config-file resolution.
type GlobalFlags struct {
	ServerAddr string
	AuthToken  string
	Output     string
}

const (
	OutputText = "text"
	OutputJSON = "json"
)

// BuildInfo carries ldflags-injected version metadata.
type BuildInfo struct {
	Version string
	Commit  string
}

func newRootCmd(flags *GlobalFlags, info BuildInfo) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "taskerctl",
		Short:        "taskerctl drives a Tasker engine over its HTTP API",
		Version:      formatVersion(info),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindGlobalFlags(v, cmd); err != nil {
				return fmt.Errorf("bind flags: %w", err)
			}
			flags.ServerAddr = v.GetString("server")
			flags.AuthToken = v.GetString("token")
			flags.Output = v.GetString("output")
			if flags.Output != OutputText && flags.Output != OutputJSON {
				return fmt.Errorf("--output must be %q or %q", OutputText, OutputJSON)
			}
			return nil
		},
	}

	cmd.PersistentFlags().String("server", "http://localhost:8080", "Tasker server base URL")
	cmd.PersistentFlags().String("token", "", "bearer token for the Tasker API (or TASKERCTL_TOKEN)")
	cmd.PersistentFlags().StringP("output", "o", OutputText, "output format (text|json)")

	cmd.AddCommand(newSubmitCmd(flags))
	cmd.AddCommand(newGetCmd(flags))
	cmd.AddCommand(newListCmd(flags))
	cmd.AddCommand(newCancelCmd(flags))
	cmd.AddCommand(newDeadLetterCmd(flags))

	return cmd
}

func bindGlobalFlags(v *viper.Viper, cmd *cobra.Command) error {
	root := cmd.Root().PersistentFlags()
	for _, name := range []string{"server", "token", "output"} {
		if err := v.BindPFlag(name, root.Lookup(name)); err != nil {
			return err
		}
	}
	v.SetEnvPrefix("TASKERCTL")
	v.AutomaticEnv()
	return nil
}

func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	return fmt.Sprintf("%s (commit: %s)", info.Version, info.Commit)
}

// Execute runs the root command with os.Args.
func Execute(info BuildInfo) error {
	flags := &GlobalFlags{}
	return newRootCmd(flags, info).Execute()
}
