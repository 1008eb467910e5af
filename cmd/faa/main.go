// Package main is the family assistant CLI.
//
// Start everything (gateway, engine, tool service, reminder dispatcher):
//
//	faa serve --config faa.yaml
//
// Run the tool service alone, for deployments that split it out:
//
//	faa toolservice --config faa.yaml
//
// Configuration comes from the YAML file plus environment overrides;
// DATABASE_URL and OPENAI_API_KEY are enough for a minimal setup.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "faa",
		Short:        "Family AI assistant",
		Long:         "faa runs the family assistant: message ingress, the analysis engine,\nthe generic tool service, and the reminder dispatcher.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolServiceCmd(),
	)
	return rootCmd
}
