package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key   string
	typ   keyType
	env   string
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CONCIERGE_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		key: "provider.base_url", typ: kString, env: "CONCIERGE_PROVIDER_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
	},
	{
		key: "provider.api_key", typ: kString, env: "CONCIERGE_PROVIDER_API_KEY",
		apply: func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
	},
	{
		key: "server.auth_token", typ: kString, env: "CONCIERGE_SERVER_AUTH_TOKEN",
		apply: func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
	},
	{
		key: "provider.chat_model", typ: kString, env: "CONCIERGE_PROVIDER_CHAT_MODEL",
		apply: func(cfg *Config, v any) { cfg.Provider.ChatModel = v.(string) },
	},
	{
		key: "provider.embed_model", typ: kString, env: "CONCIERGE_PROVIDER_EMBED_MODEL",
		apply: func(cfg *Config, v any) { cfg.Provider.EmbedModel = v.(string) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CONCIERGE_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		key: "routing.score_threshold", typ: kFloat, env: "CONCIERGE_ROUTING_SCORE_THRESHOLD",
		apply: func(cfg *Config, v any) { cfg.Routing.ScoreThreshold = v.(float64) },
	},
	{
		key: "routing.top_k", typ: kInt, env: "CONCIERGE_ROUTING_TOP_K",
		apply: func(cfg *Config, v any) { cfg.Routing.TopK = v.(int) },
	},
	{
		key: "intent.confidence_gate", typ: kFloat, env: "CONCIERGE_INTENT_CONFIDENCE_GATE",
		apply: func(cfg *Config, v any) { cfg.Intent.ConfidenceGate = v.(float64) },
	},
	{
		key: "tools.cache_max_age", typ: kString, env: "CONCIERGE_TOOLS_CACHE_MAX_AGE",
		apply: func(cfg *Config, v any) { cfg.Tools.CacheMaxAge = v.(string) },
	},
	{
		key: "tools.discovery_timeout", typ: kString, env: "CONCIERGE_TOOLS_DISCOVERY_TIMEOUT",
		apply: func(cfg *Config, v any) { cfg.Tools.DiscoveryTimeout = v.(string) },
	},
	{
		key: "chat.history_limit", typ: kInt, env: "CONCIERGE_CHAT_HISTORY_LIMIT",
		apply: func(cfg *Config, v any) { cfg.Chat.HistoryLimit = v.(int) },
	},
	{
		key: "log.level", typ: kString, env: "CONCIERGE_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
