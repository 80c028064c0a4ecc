package app

import (
	"context"
	"fmt"
	"time"

	"droughtwatch/internal/clock"
	"droughtwatch/internal/config"
	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/ledger"
	"droughtwatch/internal/model"
	"droughtwatch/internal/notifier"
	"droughtwatch/internal/presence"
	"droughtwatch/internal/source"
	"droughtwatch/internal/storage"
	"droughtwatch/internal/subscribers"
	"droughtwatch/pkg/logx"
)

// Components is the ledger pipeline assembled from config. The daemon and
// the one-shot CLI commands share it.
type Components struct {
	Store       storage.Store
	Source      *source.YouTube
	Builder     *ledger.Builder
	Dispatcher  *notifier.Dispatcher // nil when notifications are disabled
	Resend      *notifier.Resend     // nil unless the resend channel is enabled
	Subscribers *subscribers.Service
	Ingestor    *ledger.Ingestor
	Backfiller  *ledger.Backfiller
	Janitor     *presence.Janitor
}

// Build opens storage and wires the pipeline. tg carries the Telegram
// notification channel; it may be nil.
func Build(cfg *config.Config, log logx.Logger, bus eventbus.Bus, tg notifier.TextSender) (*Components, error) {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	c := &Components{Store: store}

	c.Source = source.NewYouTube(srcCfg, log)
	c.Builder = ledger.NewBuilder(store, ledger.WithBus(bus), ledger.WithLogger(log))

	var announcer ledger.Announcer
	if cfg.Notifier.Enabled {
		var channels []notifier.Channel
		if cfg.Notifier.Resend.Enabled {
			rc, err := mapResendConfig(cfg)
			if err != nil {
				_ = store.Close()
				return nil, err
			}
			c.Resend = notifier.NewResend(rc)
			channels = append(channels, c.Resend)
		}
		if t := cfg.Notifier.Telegram; t.Enabled {
			channels = append(channels, notifier.NewTelegram(tg, t.ChatID, t.ThreadID))
		}
		sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, 30*time.Second)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		c.Dispatcher = notifier.NewDispatcher(channels,
			notifier.WithBus(bus),
			notifier.WithSendTimeout(sendTimeout),
			notifier.WithLogger(log),
			notifier.WithRenderer(notifier.DefaultRenderer{Creator: cfg.Notifier.Creator, SiteURL: cfg.Notifier.SiteURL}),
		)
		announcer = c.Dispatcher
	}

	subOpts, err := mapSubscriberOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	subOpts = append(subOpts, subscribers.WithLogger(log))
	if c.Resend != nil {
		subOpts = append(subOpts, subscribers.WithMailer(c.Resend), subscribers.WithContacts(c.Resend))
	}
	c.Subscribers = subscribers.New(store, subOpts...)

	c.Ingestor = ledger.NewIngestor(c.Source, c.Builder, announcer, cfg.Ingest.Limit, log)
	c.Ingestor.SetSubscriberCounter(c.Subscribers)

	c.Backfiller = ledger.NewBackfiller(c.Source, c.Builder, log)
	if cfg.Backfill.MaxPages > 0 {
		c.Backfiller.MaxPages = cfg.Backfill.MaxPages
	}
	if cfg.Backfill.PageSize > 0 {
		c.Backfiller.PageSize = cfg.Backfill.PageSize
	}

	t := cfg.Presence.Timings()
	c.Janitor = presence.NewJanitor(store, clock.Real(), t.StaleAfter, t.ActiveWithin, log)
	return c, nil
}

// Poll is the ingestion job body.
func (c *Components) Poll(ctx context.Context) error {
	_, err := c.Ingestor.Poll(ctx)
	return err
}

// Sweep is the presence cleanup job body.
func (c *Components) Sweep(ctx context.Context) error {
	_, err := c.Janitor.Run(ctx)
	return err
}

func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// fixedSource replays one candidate as the newest upload.
type fixedSource []model.Candidate

func (f fixedSource) FetchRecent(context.Context, int) ([]model.Candidate, error) { return f, nil }

// Simulate pushes c through the normal poll path: reconcile, then announce
// unless quiet.
func (c *Components) Simulate(ctx context.Context, cand model.Candidate, quiet bool, log logx.Logger) (ledger.Result, error) {
	var announcer ledger.Announcer
	if c.Dispatcher != nil && !quiet {
		announcer = c.Dispatcher
	}
	ing := ledger.NewIngestor(fixedSource{cand}, c.Builder, announcer, 1, log)
	ing.SetSubscriberCounter(c.Subscribers)
	return ing.Poll(ctx)
}
