package config

import "strings"

// Environment variables that override secrets from the config file.
const (
	EnvUpstreamPassword = "CAMPBRIDGE_UPSTREAM_PASSWORD"
	EnvZulipAPIKey      = "CAMPBRIDGE_ZULIP_API_KEY"
	EnvTelegramToken    = "CAMPBRIDGE_TELEGRAM_TOKEN"
)

// ApplyEnv replaces secrets with non-empty environment values.
// lookup is os.LookupEnv outside of tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvUpstreamPassword, &cfg.Upstream.Password)
	set(EnvZulipAPIKey, &cfg.Destination.Zulip.APIKey)
	set(EnvTelegramToken, &cfg.Destination.Telegram.Token)
}
