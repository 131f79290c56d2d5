package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opsync",
	Short: "opsync - operational-transform server for collaborative editing",
	Long: `Opsync keeps concurrently edited documents convergent by transforming
each incoming operation against the edits its author hadn't seen, with
pluggable conflict-resolution strategies and storage backends.`,
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
