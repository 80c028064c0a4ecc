package app

import (
	"fmt"
	"strings"
	"time"

	"droughtwatch/internal/config"
	"droughtwatch/internal/notifier"
	"droughtwatch/internal/presence"
	"droughtwatch/internal/scheduler"
	"droughtwatch/internal/source"
	"droughtwatch/internal/storage"
	"droughtwatch/internal/subscribers"
	"droughtwatch/pkg/logx"
)

// LogConfig maps the logging section onto logx.
func LogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			// The chat sink needs both a bot and a target chat.
			Enabled:    l.Telegram.Enabled && cfg.Telegram.Token != "" && cfg.Telegram.LogChatID != 0,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	s := cfg.Source
	timeout, err := config.ParseDurationOrDefault("source.timeout", s.Timeout, 15*time.Second)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		APIKey:     s.APIKey,
		ChannelID:  s.ChannelID,
		PlaylistID: s.PlaylistID,
		BaseURL:    s.BaseURL,
		Timeout:    timeout,
		PageRate:   s.PageRatePerSec,
	}, nil
}

// mapSubscriberOptions covers everything but the mail transport, which
// depends on whether the resend channel was built.
func mapSubscriberOptions(cfg *config.Config) ([]subscribers.Option, error) {
	n := cfg.Notifier
	ttl, err := config.ParseDurationOrDefault("notifier.subscribers.token_ttl", n.Subscribers.TokenTTL, subscribers.DefaultTokenTTL)
	if err != nil {
		return nil, err
	}
	cooldown, err := config.ParseDurationOrDefault("notifier.subscribers.resend_cooldown", n.Subscribers.ResendCooldown, subscribers.DefaultResendCooldown)
	if err != nil {
		return nil, err
	}
	confirm := strings.TrimSpace(n.Subscribers.ConfirmURL)
	if confirm == "" {
		confirm = strings.TrimRight(strings.TrimSpace(n.SiteURL), "/") + "/confirm"
	}
	return []subscribers.Option{
		subscribers.WithConfirmURL(confirm),
		subscribers.WithTokenTTL(ttl),
		subscribers.WithResendCooldown(cooldown),
		subscribers.WithRenderer(notifier.DefaultRenderer{Creator: n.Creator, SiteURL: n.SiteURL}),
	}, nil
}

func mapResendConfig(cfg *config.Config) (notifier.ResendConfig, error) {
	r := cfg.Notifier.Resend
	timeout, err := config.ParseDurationOrDefault("notifier.resend.timeout", r.Timeout, 15*time.Second)
	if err != nil {
		return notifier.ResendConfig{}, err
	}
	return notifier.ResendConfig{
		APIKey:     r.APIKey,
		AudienceID: r.AudienceID,
		From:       r.From,
		BaseURL:    r.BaseURL,
		Timeout:    timeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	def, err := config.ParseDurationField("scheduler.default_timeout", s.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	spread, err := config.ParseDurationField("scheduler.startup_spread", s.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        s.Enabled,
		Timezone:       s.Timezone,
		HistorySize:    s.HistorySize,
		DefaultTimeout: def,
		StartupSpread:  spread,
	}, nil
}

// PresenceTimings maps the presence section onto coordinator timings.
func PresenceTimings(cfg *config.Config) presence.Timings {
	t := cfg.Presence.Timings()
	return presence.Timings{Election: t.Election, Decay: t.Decay, Heartbeat: t.Heartbeat, Alive: t.Alive}
}

func mapMQTTConfig(cfg *config.Config, clientID string) presence.MQTTConfig {
	m := cfg.Presence.MQTT
	return presence.MQTTConfig{
		Broker:      m.Broker,
		ClientID:    clientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		Group:       cfg.Presence.Group,
		QoS:         byte(m.QoS),
	}
}
