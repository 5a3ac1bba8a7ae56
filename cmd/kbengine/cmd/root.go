// Package cmd provides the kbengine CLI commands: index, query, doctor,
// cache clear, and serve. Follows the root command shape of a cobra CLI
// with persistent flags and lazy logging setup, wired to the indexing
// pipeline and query orchestrator.
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kb-forge/coreengine/internal/logging"
	"github.com/kb-forge/coreengine/pkg/version"
)

// globalFlags holds the persistent flags every subcommand reads to
// locate a workspace and its scope.
type globalFlags struct {
	workspace string
	scope     string
	dataDir   string
	debug     bool
}

var flags globalFlags

func (f *globalFlags) resolveScope() string {
	if f.scope != "" {
		return f.scope
	}
	abs, err := filepath.Abs(f.workspace)
	if err != nil {
		return "default"
	}
	return filepath.Base(abs)
}

func (f *globalFlags) resolveDataDir(scopeID string) string {
	if f.dataDir != "" {
		return f.dataDir
	}
	return filepath.Join(f.workspace, ".kb", "mind", "indexes", scopeID)
}

// NewRootCmd creates the root command for the kbengine CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "kbengine",
		Short:   "Retrieval-augmented knowledge engine over a workspace",
		Version: version.Version,
		Long: `kbengine maintains an incremental, chunked, embedded index of a
workspace and answers natural-language questions against it via a
multi-stage query orchestrator (decompose, gather, rerank, synthesize,
verify, compress, cache).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.workspace, "workspace", ".", "workspace root directory")
	root.PersistentFlags().StringVar(&flags.scope, "scope", "", "scope id (default: workspace directory name)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "index storage directory (default: <workspace>/.kb/mind/indexes/<scope>)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(newIndexCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the kbengine root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func setupLogging() func() {
	cfg := logging.DefaultConfig()
	if flags.debug {
		cfg = logging.DebugConfig()
	}
	_, cleanup, err := logging.Setup(cfg)
	if err != nil {
		fmt.Println("warning: logging setup failed:", err)
		return func() {}
	}
	return cleanup
}
