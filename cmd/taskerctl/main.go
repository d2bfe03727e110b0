// Command taskerctl is an operator CLI over a running Tasker server's HTTP
// API: submit tasks, inspect status, cancel work, and drive the
// dead-letter recovery surface.
package main

import (
	"fmt"
	"os"

	"github.com/tasker-systems/tasker/internal/cli"
)

//nolint:gochecknoglobals // ldflags injection at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := cli.Execute(cli.BuildInfo{Version: version, Commit: commit}); err != nil {
		fmt.Fprintln(os.Stderr, "taskerctl: "+err.Error())
		os.Exit(1)
	}
}
