package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pvbridge",
	Short: "pvbridge - Serve model variables as process variables",
	Long: `pvbridge exposes a computational model's input and output variables as
process variables over the ca and pva protocols.

A single coordinator owns the model and merges external writes into
evaluation cycles; one adapter process per protocol carries the traffic.
State and queues live in a per-instance Redis container.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
