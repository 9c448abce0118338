// Package cmd provides the command-line interface of vmsim.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmsim",
	Short: "vmsim simulates processes on a demand paged virtual memory system.",
	Long: `vmsim simulates processes on a demand paged virtual memory ` +
		`system with a frame table, swap, and memory mapped files. ` +
		`Runs can be traced into a SQLite database and monitored over HTTP.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
