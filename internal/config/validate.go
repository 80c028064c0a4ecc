package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"droughtwatch/pkg/logx"
)

// Validate reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, lv := range map[string]string{
		"logging.level":              cfg.Logging.Level,
		"logging.telegram.min_level": cfg.Logging.Telegram.MinLevel,
	} {
		if !logx.ValidLevel(lv) {
			add(fmt.Errorf("%s: unknown level %q", path, lv))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file", "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":                 cfg.Storage.BusyTimeout,
		"source.timeout":                       cfg.Source.Timeout,
		"ingest.timeout":                       cfg.Ingest.Timeout,
		"notifier.resend.timeout":              cfg.Notifier.Resend.Timeout,
		"notifier.send_timeout":                cfg.Notifier.SendTimeout,
		"notifier.subscribers.token_ttl":       cfg.Notifier.Subscribers.TokenTTL,
		"notifier.subscribers.resend_cooldown": cfg.Notifier.Subscribers.ResendCooldown,
		"telegram.poll_timeout":                cfg.Telegram.PollTimeout,
		"presence.stale_after":                 cfg.Presence.StaleAfter,
		"presence.active_within":               cfg.Presence.ActiveWithin,
		"presence.election_timeout":            cfg.Presence.ElectionTimeout,
		"presence.decay_timeout":               cfg.Presence.DecayTimeout,
		"presence.heartbeat_interval":          cfg.Presence.HeartbeatInterval,
		"presence.alive_interval":              cfg.Presence.AliveInterval,
		"scheduler.default_timeout":            cfg.Scheduler.DefaultTimeout,
		"scheduler.startup_spread":             cfg.Scheduler.StartupSpread,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Ingest.Limit < 0 || cfg.Ingest.Limit > 50 {
		add(fmt.Errorf("ingest.limit: must be within 0..50, got %d", cfg.Ingest.Limit))
	}
	if cfg.Backfill.MaxPages < 0 {
		add(errors.New("backfill.max_pages: must be >= 0"))
	}
	if cfg.Backfill.PageSize < 0 || cfg.Backfill.PageSize > 50 {
		add(fmt.Errorf("backfill.page_size: must be within 0..50, got %d", cfg.Backfill.PageSize))
	}
	if cfg.Presence.MQTT.QoS < 0 || cfg.Presence.MQTT.QoS > 2 {
		add(fmt.Errorf("presence.mqtt.qos: must be 0, 1 or 2, got %d", cfg.Presence.MQTT.QoS))
	}

	t := cfg.Presence.Timings()
	if t.StaleAfter <= t.Heartbeat {
		add(fmt.Errorf("presence.stale_after (%s) must exceed heartbeat_interval (%s)", t.StaleAfter, t.Heartbeat))
	}
	if t.Decay <= t.Alive {
		add(fmt.Errorf("presence.decay_timeout (%s) must exceed alive_interval (%s)", t.Decay, t.Alive))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if u := strings.TrimSpace(cfg.Notifier.Subscribers.ConfirmURL); u != "" {
		if p, err := url.Parse(u); err != nil || !p.IsAbs() {
			add(fmt.Errorf("notifier.subscribers.confirm_url: must be an absolute URL, got %q", u))
		}
	}
	if cfg.Notifier.Telegram.Enabled && cfg.Notifier.Telegram.ChatID == 0 {
		add(errors.New("notifier.telegram.chat_id: required when enabled"))
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID == 0 {
		add(errors.New("telegram.log_chat_id: required when logging.telegram is enabled"))
	}
	return errors.Join(errs...)
}
