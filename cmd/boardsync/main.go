package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "boardsync",
		Short: "Real-time whiteboard sync server",
		Long: `boardsync keeps shared whiteboards in sync.

Clients join a board over WebSocket, receive its current scene and
see every other member's edits as they happen. Scenes are held in
memory and written to durable storage at most once per flush interval.

Storage backends:

  • memory (seeded from a file, for development)
  • sqlite, postgres, mysql
  • mongo
  • s3 for scenes, with users and grants in any of the above`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./boardsync.toml)")

	root.AddCommand(
		serveCmd(&configPath),
		peerCmd(&configPath),
		migrateCmd(&configPath),
		seedCmd(&configPath),
		configCmd(&configPath),
		versionCmd(),
	)
	return root
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
