package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Davincible/modelbridge/internal/config"
)

const (
	AppName = "modelbridge"
	Version = "0.1.0"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager

	verbose      bool
	providerName string
)

func init() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger = slog.New(handler)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		logger.Error("Failed to get home directory", "error", err)
		os.Exit(1)
	}

	baseDir = filepath.Join(homeDir, "."+AppName)
	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:     "mbr",
	Short:   "ModelBridge - unified LLM provider client",
	Long:    `A provider-abstraction client that talks to OpenAI-compatible APIs, Anthropic's Messages API and local inference servers through one canonical contract.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(verbose)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&providerName, "provider", "p", "", "provider to use (defaults to configured default)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
}
