package config

import (
	"reflect"
	"strings"

	"droughtwatch/pkg/logx"
)

// ChangedSections lists the top-level sections that differ, with safe log
// attributes (never secrets). The storage section is reported so callers can
// warn that it needs a restart.
func ChangedSections(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(name string, differ bool, fields ...logx.Field) {
		if differ {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled))
	mark("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver))
	mark("source", redactSource(oldCfg.Source) != redactSource(newCfg.Source),
		logx.Bool("source.key_set", strings.TrimSpace(newCfg.Source.APIKey) != ""))
	mark("ingest", oldCfg.Ingest != newCfg.Ingest,
		logx.String("ingest.schedule", newCfg.Ingest.Schedule))
	mark("backfill", oldCfg.Backfill != newCfg.Backfill)
	mark("notifier", redactNotifier(oldCfg.Notifier) != redactNotifier(newCfg.Notifier),
		logx.Bool("notifier.enabled", newCfg.Notifier.Enabled))
	mark("telegram", oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		oldCfg.Telegram.Commands != newCfg.Telegram.Commands ||
		(oldCfg.Telegram.Token == "") != (newCfg.Telegram.Token == "") ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs),
		logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
	mark("presence", oldCfg.Presence != newCfg.Presence,
		logx.String("presence.cleanup_schedule", newCfg.Presence.CleanupSchedule))
	mark("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))

	if len(changed) > 0 {
		attrs = append(attrs, logx.Strings("sections", changed))
	}
	return changed, attrs
}

func redactSource(s SourceConfig) SourceConfig {
	s.APIKey = strings.Repeat("*", min(len(s.APIKey), 1))
	return s
}

func redactNotifier(n NotifierConfig) NotifierConfig {
	n.Resend.APIKey = strings.Repeat("*", min(len(n.Resend.APIKey), 1))
	return n
}
