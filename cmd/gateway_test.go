package cmd

import (
	"context"
	"testing"

	"skylark/pkg/bus"
	channelpkg "skylark/pkg/channel"
	"skylark/pkg/config"
)

type testAdapter struct{ name string }

func (a testAdapter) Name() string { return a.name }

func (a testAdapter) Start(context.Context) error { return nil }

func (a testAdapter) Stop(context.Context) error { return nil }

func (a testAdapter) Send(context.Context, bus.OutboundMessage) error { return nil }

func TestEnabledAdaptersRequiresAtLeastOneChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if _, err := enabledAdapters(cfg, bus.NewMessageBus(), nil); err == nil {
		t.Fatal("expected error when no channels are enabled")
	}
}

func TestEnabledAdaptersBuildsFeishu(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Channels.Feishu.Enabled = true
	cfg.Channels.Feishu.AppID = "cli_app"
	cfg.Channels.Feishu.AppSecret = "shh"

	adapters, err := enabledAdapters(cfg, bus.NewMessageBus(), nil)
	if err != nil {
		t.Fatalf("enabledAdapters error: %v", err)
	}
	if len(adapters) != 1 || adapters[0].Name() != "feishu" {
		t.Fatalf("adapters = %v, want single feishu adapter", enabledChannelNames(adapters))
	}
}

func TestEnabledChannelNames(t *testing.T) {
	t.Parallel()

	adapters := []channelpkg.Adapter{testAdapter{name: "feishu"}, testAdapter{name: "telegram"}}
	got := enabledChannelNames(adapters)
	if len(got) != 2 || got[0] != "feishu" || got[1] != "telegram" {
		t.Fatalf("enabledChannelNames = %v, want [feishu telegram]", got)
	}
}
