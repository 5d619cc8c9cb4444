// Package cmd implements the CLI commands for ccgateway.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ccgateway",
	Short: "OpenAI-compatible HTTP gateway for the Claude Code CLI",
	Long: `ccgateway exposes a local Claude Code installation behind the familiar
chat-completions HTTP protocol. Requests are translated into claude
subprocess turns over bidirectional stream-json and projected back into
OpenAI response shapes, as plain JSON or SSE.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
