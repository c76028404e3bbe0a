package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/logging"
)

var (
	verbose    bool
	jsonOutput bool
	configDir  string
	stateDir   string
	runDir     string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Sandbox orchestrator for chat-driven agents",
	Long: `warden runs one isolated sandbox per chat group and talks to it over
signed file channels.

It provides:
  - Sliding-window rate limiting per user, group and globally
  - Per-group sandboxes with an explicit mount and secret allow list
  - HMAC-signed IPC with quarantine of rejected messages
  - Cron, interval and one-shot jobs claimed through a shared store
  - A periodic heartbeat summary`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(verbose, jsonOutput, os.Stderr)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultConfigDir, "Directory holding warden.toml")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", config.DefaultStateDir, "Directory for audit logs and state")
	rootCmd.PersistentFlags().StringVar(&runDir, "run-dir", config.DefaultRunDir, "Directory for runtime files")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Helper aliases for user-facing output (delegates to logging package)
var (
	logInfo    = logging.UserInfo
	logSuccess = logging.UserSuccess
	logWarning = logging.UserWarning
)
