// Command medsync is the offline clinical data sync agent.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/medsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
