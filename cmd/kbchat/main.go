package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/kbchat/internal/common"
)

var (
	// Persistent flags shared by all commands
	configFiles []string
	serverPort  int
	serverHost  string
	envFile     string

	// Global state, populated by loadConfig
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "kbchat",
	Short:         "Multi-tenant knowledge base chat engine",
	Long:          `kbchat answers tenant questions from their knowledge bases, with per-tenant quotas and persistent conversations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before configuration")

	rootCmd.AddCommand(serveCmd, ingestCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig runs the startup sequence in order:
// .env -> defaults -> config files -> environment -> CLI flags -> logger -> banner
func loadConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("kbchat.toml"); err == nil {
			configFiles = append(configFiles, "kbchat.toml")
		} else if _, err := os.Stat("deployments/local/kbchat.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/kbchat.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	if err := config.Finalize(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger = common.SetupLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("llm_mode", string(config.LLM.Mode)).
		Str("embedding_provider", config.Embedding.Provider).
		Msg("Application configuration loaded")

	return nil
}
