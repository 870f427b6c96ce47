package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "Chorus - multi-persona conversational context service",
	Long: `Chorus runs a set of chat personas that share a channel: each keeps a
bounded conversation history, spills older turns into a semantic memory
store, and recalls them plus any bound lorebooks and documents when
composing a reply.

Run "chorus serve" to start the HTTP gateway.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
