package config

import (
	"os"
	"strings"
)

// Environment variables that override secrets from the file when set.
const (
	EnvYouTubeAPIKey    = "YOUTUBE_API_KEY"
	EnvResendAPIKey     = "RESEND_API_KEY"
	EnvResendAudienceID = "RESEND_AUDIENCE_ID"
	EnvTelegramToken    = "TELEGRAM_TOKEN"
)

// ApplyEnv overlays secrets from the environment. getenv defaults to os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Source.APIKey, EnvYouTubeAPIKey)
	set(&cfg.Notifier.Resend.APIKey, EnvResendAPIKey)
	set(&cfg.Notifier.Resend.AudienceID, EnvResendAudienceID)
	set(&cfg.Telegram.Token, EnvTelegramToken)
}
