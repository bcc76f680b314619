package provider

import (
	"context"
	"fmt"

	"skylark/pkg/config"
	provideropenai "skylark/pkg/provider/openai"
)

// Client generates replies for inbound messages within per-chat sessions.
type Client interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID string, prompt string, model string) (string, error)
}

// New resolves the configured responder provider.
func New(cfg *config.Config) (Client, error) {
	providerID := cfg.Responder.Provider
	if providerID == "" {
		providerID = "openai"
	}

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
