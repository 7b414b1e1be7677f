// Sanduku — session and container lifecycle orchestrator for web dev sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — per-session sandbox containers with terminal streaming and command execution.",
	Long: `Sanduku orchestrates one sandbox container per user session for a web
development environment: durable session records, container lifecycle with
crash recovery, interactive terminals over WebSocket, one-shot command
execution, and workspace file access.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, initCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
