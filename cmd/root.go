package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "skylark",
	Short: "Skylark chat-bot gateway",
	Long:  "Skylark bridges chat platforms (Feishu, Telegram) to an LLM responder over an in-process message bus.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
