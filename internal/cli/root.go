// Package cli is ralpherd's command surface: a thin cobra.Command tree
// wrapping the server bootstrap and a handful of read-only operator
// commands, built around a persistent flag and version subcommand
// pattern. The persistent flag here is --data-dir instead of a config
// file path, since ralpherd's runtime configuration is environment plus
// a SQLite store rather than a declarative pipeline file.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var dataDirFlag string
var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "ralpherd",
	Short: "Run and inspect autonomous coding agent loops",
	Long: `ralpherd drives autonomous coding agent loops against git worktrees:
spawning an agent session per loop, iterating until a completion marker,
committing changes per iteration, and reconciling the result back to its
base branch on push.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Override RALPHER_DATA_DIR")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override RALPHER_LOG_LEVEL")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ralpherd %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
