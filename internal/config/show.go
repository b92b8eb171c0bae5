package config

import (
	"fmt"
	"strconv"
)

// KeyValue is one resolved configuration entry for display.
type KeyValue struct {
	Key   string
	Value string
}

// ShowAll returns every known config key with its resolved value, in
// declaration order. Secrets are masked.
func ShowAll(cfg Config) []KeyValue {
	resolved := map[string]string{
		"server.port":             strconv.Itoa(cfg.Server.Port),
		"server.auth_token":       mask(cfg.Server.AuthToken),
		"provider.base_url":       cfg.Provider.BaseURL,
		"provider.api_key":        mask(cfg.Provider.APIKey),
		"provider.chat_model":     cfg.Provider.ChatModel,
		"provider.embed_model":    cfg.Provider.EmbedModel,
		"storage.data_dir":        cfg.Storage.DataDir,
		"routing.score_threshold": fmt.Sprintf("%g", cfg.Routing.ScoreThreshold),
		"routing.top_k":           strconv.Itoa(cfg.Routing.TopK),
		"intent.confidence_gate":  fmt.Sprintf("%g", cfg.Intent.ConfidenceGate),
		"tools.cache_max_age":     cfg.Tools.CacheMaxAge,
		"tools.discovery_timeout": cfg.Tools.DiscoveryTimeout,
		"chat.history_limit":      strconv.Itoa(cfg.Chat.HistoryLimit),
		"log.level":               cfg.Log.Level,
	}

	out := make([]KeyValue, 0, len(specs))
	for _, s := range specs {
		out = append(out, KeyValue{Key: s.key, Value: resolved[s.key]})
	}
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// SetKey writes one value into the config file, validating the key name and
// value type against the known key table.
func SetKey(key, value string) error {
	var spec *keySpec
	for i := range specs {
		if specs[i].key == key {
			spec = &specs[i]
			break
		}
	}
	if spec == nil {
		return fmt.Errorf("unknown config key %q", key)
	}

	backend := newFileBackend(configFilePath()).(*fileBackend)

	switch spec.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("key %s expects an integer: %w", key, err)
		}
		return backend.SetInt(key, i)
	case kFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("key %s expects a number: %w", key, err)
		}
		// Floats are stored as strings and parsed on load.
		return backend.SetString(key, value)
	default:
		return backend.SetString(key, value)
	}
}
