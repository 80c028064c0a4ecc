package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// Durations are Go duration strings ("200ms", "30s", "1m"). Schedules accept
// the forms understood by the scheduler: "1m", "every:5m", "cron:*/2 * * * *",
// "09:30".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Source    SourceConfig    `json:"source"`
	Ingest    IngestConfig    `json:"ingest"`
	Backfill  BackfillConfig  `json:"backfill"`
	Notifier  NotifierConfig  `json:"notifier"`
	Telegram  TelegramConfig  `json:"telegram"`
	Presence  PresenceConfig  `json:"presence"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warn+ log lines into telegram.log_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the ledger backend.
//
//	"storage": { "driver": "sqlite", "path": "./droughtwatch.db" }
//
// Drivers: "sqlite" (default), "file" (JSON snapshot), "memory".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SourceConfig struct {
	APIKey string `json:"api_key,omitempty"` // or YOUTUBE_API_KEY
	// Either PlaylistID or ChannelID; a channel id maps to its uploads
	// playlist without shorts.
	ChannelID  string `json:"channel_id,omitempty"`
	PlaylistID string `json:"playlist_id,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	// PageRatePerSec paces multi-page fetches. 0 disables pacing.
	PageRatePerSec float64 `json:"page_rate_per_sec,omitempty"`
}

type IngestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Limit    int    `json:"limit"`
	Timeout  string `json:"timeout,omitempty"`
}

type BackfillConfig struct {
	MaxPages int  `json:"max_pages"`
	PageSize int  `json:"page_size"`
	OnStart  bool `json:"on_start"`
}

type NotifierConfig struct {
	Enabled bool `json:"enabled"`
	// Creator is the display name used in subjects ("{creator} Posted: ...").
	Creator string `json:"creator"`
	SiteURL string `json:"site_url,omitempty"`
	// SendTimeout bounds each channel's delivery. Empty means 30s.
	SendTimeout string            `json:"send_timeout,omitempty"`
	Resend      ResendConfig      `json:"resend"`
	Telegram    NotifyTelegram    `json:"telegram"`
	Subscribers SubscribersConfig `json:"subscribers"`
}

// SubscribersConfig tunes the email double opt-in. ConfirmURL defaults to
// site_url + "/confirm".
type SubscribersConfig struct {
	ConfirmURL     string `json:"confirm_url,omitempty"`
	TokenTTL       string `json:"token_ttl,omitempty"`
	ResendCooldown string `json:"resend_cooldown,omitempty"`
}

type ResendConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key,omitempty"`     // or RESEND_API_KEY
	AudienceID string `json:"audience_id,omitempty"` // or RESEND_AUDIENCE_ID
	From       string `json:"from"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type NotifyTelegram struct {
	Enabled  bool  `json:"enabled"`
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token,omitempty"` // or TELEGRAM_TOKEN
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	LogChatID    int64   `json:"log_chat_id,omitempty"`
	PollTimeout  string  `json:"poll_timeout"`
	// Commands enables /latest, /droughts, /viewers and /backfill.
	Commands bool `json:"commands"`
}

type PresenceConfig struct {
	CleanupSchedule string `json:"cleanup_schedule"`
	StaleAfter      string `json:"stale_after"`
	ActiveWithin    string `json:"active_within"`

	Group             string `json:"group"`
	ElectionTimeout   string `json:"election_timeout"`
	DecayTimeout      string `json:"decay_timeout"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	AliveInterval     string `json:"alive_interval"`
	VisitorIDPath     string `json:"visitor_id_path"`

	MQTT MQTTConfig `json:"mqtt"`
}

type MQTTConfig struct {
	Broker      string `json:"broker"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
}

type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	HistorySize    int    `json:"history_size"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// StartupSpread staggers the first runs after boot (e.g. "10s").
	StartupSpread string `json:"startup_spread,omitempty"`
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "./droughtwatch.log"},
			Telegram: LoggingTelegram{
				MinLevel:   "warn",
				RatePerSec: 1,
			},
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./droughtwatch.db", BusyTimeout: "5s"},
		Source:  SourceConfig{BaseURL: "https://www.googleapis.com/youtube/v3", Timeout: "15s"},
		Ingest:  IngestConfig{Enabled: true, Schedule: "1m", Limit: 10, Timeout: "45s"},
		Backfill: BackfillConfig{
			MaxPages: 2,
			PageSize: 50,
		},
		Notifier: NotifierConfig{
			Enabled: true,
			Creator: "Creator",
			Resend:  ResendConfig{BaseURL: "https://api.resend.com", Timeout: "15s"},
			Subscribers: SubscribersConfig{
				TokenTTL:       "24h",
				ResendCooldown: "10m",
			},
		},
		Telegram: TelegramConfig{PollTimeout: "10s"},
		Presence: PresenceConfig{
			CleanupSchedule:   "2m",
			StaleAfter:        "120s",
			ActiveWithin:      "60s",
			Group:             "default",
			ElectionTimeout:   "200ms",
			DecayTimeout:      "10s",
			HeartbeatInterval: "30s",
			AliveInterval:     "5s",
			VisitorIDPath:     "./visitor_id",
			MQTT:              MQTTConfig{TopicPrefix: "droughtwatch"},
		},
		Scheduler: SchedulerConfig{Enabled: true, HistorySize: 100},
	}
}
