// Package cli implements the engine's command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "labelmint",
	Short: "LabelMint task consensus engine",
	Long: `LabelMint aggregates independent judgments from many untrusted workers
and decides, with a formal policy, whether the group has reached agreement,
is in conflict, or needs more input.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
