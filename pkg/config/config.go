package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envFeishuAppID      = "FEISHU_APP_ID"
	envFeishuAppSecret  = "FEISHU_APP_SECRET"
	envFeishuAllowFrom  = "FEISHU_ALLOW_FROM"
	envTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	envTelegramAllow    = "TELEGRAM_ALLOW_FROM"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Responder ResponderConfig `json:"responder"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Feishu   FeishuConfig   `json:"feishu"`
	Telegram TelegramConfig `json:"telegram"`
}

// FeishuConfig configures the Feishu/Lark channel integration.
type FeishuConfig struct {
	Enabled           bool     `json:"enabled"`
	AppID             string   `json:"app_id"`
	AppSecret         string   `json:"app_secret"`
	BaseURL           string   `json:"base_url,omitempty"`
	AllowFrom         []string `json:"allow_from"`
	EventBuffer       int      `json:"event_buffer,omitempty"`
	WebhookAddr       string   `json:"webhook_addr,omitempty"`
	WebhookPath       string   `json:"webhook_path,omitempty"`
	VerificationToken string   `json:"verification_token,omitempty"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// ResponderConfig selects the reply provider and model for inbound messages.
type ResponderConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI OpenAIProviderConfig `json:"openai"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if appID := strings.TrimSpace(os.Getenv(envFeishuAppID)); appID != "" {
		cfg.Channels.Feishu.AppID = appID
	}
	if secret := strings.TrimSpace(os.Getenv(envFeishuAppSecret)); secret != "" {
		cfg.Channels.Feishu.AppSecret = secret
	}
	if rawAllow := strings.TrimSpace(os.Getenv(envFeishuAllowFrom)); rawAllow != "" {
		cfg.Channels.Feishu.AllowFrom = parseCSV(rawAllow)
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if rawAllow := strings.TrimSpace(os.Getenv(envTelegramAllow)); rawAllow != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllow)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is SKYLARK_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("SKYLARK_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("SKYLARK_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
