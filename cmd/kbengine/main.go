// Package main provides the entry point for the kbengine CLI: a thin cobra
// wrapper exposing index/query/doctor/cache/serve subcommands that call
// straight into internal/indexpipeline and internal/orchestrator. No
// business logic lives here.
package main

import (
	"os"

	"github.com/kb-forge/coreengine/cmd/kbengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
