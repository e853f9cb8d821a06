// Command tickstate validates module definitions, runs scenarios against the
// runtime and inspects SQLite trace logs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tickstate/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
