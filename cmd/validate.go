package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/modelbridge/internal/providers"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Probe connectivity for every configured provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := cfgMgr.Get()
		if len(cfg.Providers) == 0 {
			color.Yellow("No providers configured; run 'mbr config init'")
			return nil
		}

		ctx := context.Background()
		unhealthy := 0

		for _, providerCfg := range cfg.Providers {
			provider, err := providers.NewProvider(providerCfg, logger)
			if err != nil {
				color.Red("✗ %s: %v", providerCfg.Name, err)
				unhealthy++
				continue
			}

			if provider.ValidateConfig(ctx) {
				color.Green("✓ %s: healthy", providerCfg.Name)
			} else {
				color.Red("✗ %s: unreachable or misconfigured", providerCfg.Name)
				unhealthy++
			}
		}

		if unhealthy > 0 {
			return fmt.Errorf("%d provider(s) failed validation", unhealthy)
		}
		return nil
	},
}
