// Command resync opens and keeps live local replicas of a synced scope,
// recovering them from client resets and rejected sessions.
package main

import (
	"os"

	"github.com/roach88/resync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
