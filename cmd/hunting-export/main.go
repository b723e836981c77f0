package main

import (
	"fmt"
	"os"

	"github.com/withObsrvr/hunting-export-pipeline/internal/cli/cmd"
	"github.com/withObsrvr/hunting-export-pipeline/internal/cli/runner"
)

// Version information, injected at build time via -ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, gitCommit, buildDate)
	cmd.SetFactories(runner.DefaultFactories())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
