package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Routing  RoutingConfig
	Intent   IntentConfig
	Tools    ToolsConfig
	Chat     ChatConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	// AuthToken protects the HTTP surface. When empty a token is generated
	// and persisted under the data dir on first start.
	AuthToken string
}

type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type RoutingConfig struct {
	// ScoreThreshold is the minimum cosine similarity for a routing match.
	ScoreThreshold float64
	TopK           int
}

type IntentConfig struct {
	// ConfidenceGate is the minimum confidence required to cache a
	// classification result.
	ConfidenceGate float64
}

type ToolsConfig struct {
	// CacheMaxAge is how long discovered tools stay fresh, as a duration string.
	CacheMaxAge string
	// DiscoveryTimeout bounds a single live discovery call, as a duration string.
	DiscoveryTimeout string
}

type ChatConfig struct {
	// HistoryLimit bounds how many recent messages are loaded for model context.
	HistoryLimit int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Provider: ProviderConfig{
			BaseURL:    "",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Routing: RoutingConfig{
			ScoreThreshold: 0.7,
			TopK:           5,
		},
		Intent: IntentConfig{
			ConfidenceGate: 0.8,
		},
		Tools: ToolsConfig{
			CacheMaxAge:      "24h",
			DiscoveryTimeout: "15s",
		},
		Chat: ChatConfig{
			HistoryLimit: 40,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "concierge-data"
		}
	}
	return filepath.Join(dir, "concierge")
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/concierge/config.json, then applies CONCIERGE_* environment
// variable overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: provider API key. " +
			"Set it via environment variable CONCIERGE_PROVIDER_API_KEY " +
			"or the provider.api_key config key")
	}

	return cfg, nil
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "concierge", "config.json")
}
