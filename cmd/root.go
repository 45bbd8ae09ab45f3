// Package cmd contains the parley command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - knowledge-augmented conversation service",
	Long: `Parley is a conversational agent service. It buffers bursts of user
messages into merged turns, retrieves persona facts, in-house
abbreviations, and scripted answers from a pgvector knowledge base,
assembles a tiered prompt, and delivers the generated response in
human-paced message units.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Running parley with no subcommand starts the server.
		return runServe(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
