package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/modelbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("ModelBridge Configuration Setup")
	color.Yellow("Follow the prompts to configure an LLM provider.")

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("\nProvider (openai, anthropic, ollama, lmstudio): ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)

	fmt.Print("Model (empty for provider default): ")
	model, _ := reader.ReadString('\n')
	model = strings.TrimSpace(model)

	fmt.Print("API Key (empty for unauthenticated local servers): ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	fmt.Print("Base URL override (empty for default): ")
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	cfg := cfgMgr.Get()
	cfg.Providers = append(cfg.Providers, config.Provider{
		Name:    name,
		Model:   model,
		APIKey:  apiKey,
		BaseURL: baseURL,
	})
	if cfg.Default == "" {
		cfg.Default = name
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	color.Green("Configuration saved to %s", cfgMgr.GetPath())
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found at %s; run 'mbr config init'", cfgMgr.GetPath())
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	redacted := *cfg
	redacted.Providers = make([]config.Provider, len(cfg.Providers))
	copy(redacted.Providers, cfg.Providers)
	for i := range redacted.Providers {
		if redacted.Providers[i].APIKey != "" {
			redacted.Providers[i].APIKey = "********"
		}
	}

	data, err := json.MarshalIndent(&redacted, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}
