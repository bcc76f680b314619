package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"skylark/pkg/bus"
	"skylark/pkg/channel"
	"skylark/pkg/channel/feishu"
	"skylark/pkg/channel/telegram"
	"skylark/pkg/config"
	"skylark/pkg/gateway"
	"skylark/pkg/logger"
	"skylark/pkg/provider"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run channel gateway mode",
	Long:  "Runs Skylark as a channel gateway with health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		mb := bus.NewMessageBus()
		adapters, err := enabledAdapters(cfg, mb, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		client, err := provider.New(cfg)
		if err != nil {
			log.Error("Failed to initialize provider", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, mb, adapters, client, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "provider", cfg.Responder.Provider, "model", cfg.Responder.Model)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, mb *bus.MessageBus, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Channels.Feishu.Enabled {
		adapter, err := feishu.NewAdapter(cfg.Channels.Feishu, mb, log)
		if err != nil {
			return nil, fmt.Errorf("configure feishu channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, mb, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels enabled in configuration")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return names
}
