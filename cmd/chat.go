package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/modelbridge/internal/llm"
	"github.com/Davincible/modelbridge/internal/providers"
)

var (
	chatModel  string
	chatStream bool
)

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model override")
	chatCmd.Flags().BoolVarP(&chatStream, "stream", "s", true, "stream the response")
}

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a single prompt to the configured provider",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := cfgMgr.Get()

		providerCfg, err := cfg.Resolve(providerName)
		if err != nil {
			return err
		}

		provider, err := providers.NewProvider(*providerCfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		req := llm.NewTextRequest(chatModel, strings.Join(args, " "))

		if chatStream && provider.SupportsStreaming() {
			return runChatStream(ctx, provider, req)
		}
		return runChat(ctx, provider, req)
	},
}

func runChat(ctx context.Context, provider providers.Provider, req *llm.GenerateRequest) error {
	resp, err := provider.GenerateContent(ctx, req)
	if err != nil {
		return err
	}

	fmt.Println(resp.Text())
	printUsage(resp.Usage)
	return nil
}

func runChatStream(ctx context.Context, provider providers.Provider, req *llm.GenerateRequest) error {
	var usage *llm.Usage

	for resp, err := range provider.GenerateContentStream(ctx, req) {
		if err != nil {
			return err
		}
		fmt.Print(resp.Text())
		if resp.Usage != nil {
			usage = resp.Usage
		}
	}

	fmt.Println()
	printUsage(usage)
	return nil
}

func printUsage(usage *llm.Usage) {
	if usage == nil {
		return
	}
	color.New(color.Faint).Fprintf(os.Stderr, "tokens: %d prompt, %d completion, %d total\n",
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
}
