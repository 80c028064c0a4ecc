// Package app wires the daemon: config, logging, storage, the ledger
// pipeline, the scheduler, and the Telegram bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"droughtwatch/internal/bot"
	"droughtwatch/internal/config"
	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/notifier"
	"droughtwatch/internal/runtime/supervisor"
	"droughtwatch/internal/scheduler"
	"droughtwatch/internal/transport"
	"droughtwatch/internal/transport/telegram"
	"droughtwatch/pkg/logx"
)

const (
	jobIngest  = "ingest"
	jobCleanup = "presence.cleanup"
)

type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *supervisor.Supervisor

	comps *Components
	sched *scheduler.Service

	tg      *telegram.Adapter // nil without a bot token
	cmds    *bot.Manager      // nil unless telegram.commands
	updates chan transport.Message

	sd sdNotifier
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	// The chat sink is attached after the adapter exists.
	bootCfg := LogConfig(cfg)
	bootCfg.Chat.Enabled = false
	logs, root := logx.New(bootCfg, nil)
	log := root.With(logx.Component("app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		updates: make(chan transport.Message, 64),
		sd:      sdNotifier{log: log},
	}

	var sender notifier.TextSender
	if cfg.Telegram.Token != "" {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		a.tg, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, root)
		if err != nil {
			return nil, err
		}
		a.tg.SetLogChat(transport.ChatTarget{ChatID: cfg.Telegram.LogChatID, ThreadID: cfg.Logging.Telegram.ThreadID})
		logs.SetChatSender(a.tg)
		logs.Apply(LogConfig(cfg))
		sender = a.tg
	}

	a.comps, err = Build(cfg, root, a.bus, sender)
	if err != nil {
		return nil, err
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = a.comps.Close()
		return nil, err
	}
	a.sched = scheduler.New(scfg, root, a.bus)
	if err := a.registerJobs(cfg); err != nil {
		_ = a.comps.Close()
		return nil, err
	}

	if a.tg != nil && cfg.Telegram.Commands {
		a.cmds = bot.NewManager(a.tg, cfg.Telegram.OwnerUserIDs, root)
		a.cmds.Register(bot.Commands(bot.Deps{
			Store:    a.comps.Store,
			Viewers:  a.comps.Janitor,
			Backfill: a.comps.Backfiller.Run,
			Jobs:     a.sched.Snapshot,
			Loops:    a.loops,
		}))
	}
	return a, nil
}

// registerJobs (re)registers the interval jobs from cfg. Add replaces jobs
// by name, so it is also used on hot reload.
func (a *App) registerJobs(cfg *config.Config) error {
	if cfg.Ingest.Enabled {
		timeout, err := config.ParseDurationField("ingest.timeout", cfg.Ingest.Timeout)
		if err != nil {
			return err
		}
		if err := a.sched.Add(jobIngest, cfg.Ingest.Schedule, timeout, a.comps.Poll); err != nil {
			return fmt.Errorf("ingest.schedule: %w", err)
		}
	} else {
		a.sched.Remove(jobIngest)
	}
	if err := a.sched.Add(jobCleanup, cfg.Presence.CleanupSchedule, 0, a.comps.Sweep); err != nil {
		return fmt.Errorf("presence.cleanup_schedule: %w", err)
	}
	return nil
}

// loops reports the supervised goroutines once Start has run.
func (a *App) loops() []supervisor.LoopStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapSchedulerConfig(c); err != nil {
			return err
		}
		if _, err := scheduler.ParseSchedule(c.Presence.CleanupSchedule); err != nil {
			return fmt.Errorf("presence.cleanup_schedule: %w", err)
		}
		if c.Ingest.Enabled {
			if _, err := scheduler.ParseSchedule(c.Ingest.Schedule); err != nil {
				return fmt.Errorf("ingest.schedule: %w", err)
			}
		}
		return nil
	})

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}
	if a.cmds != nil {
		a.sup.Go("bot.dispatch", func(c context.Context) error {
			return a.cmds.Run(c, a.updates)
		})
	}

	if cfg.Backfill.OnStart {
		a.sup.Go0("backfill.on_start", func(c context.Context) {
			if _, err := a.comps.Backfiller.Run(c); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("startup backfill failed", logx.Err(err))
			}
		})
	}

	a.sched.Start(a.sup.Context())
	if cfg.Ingest.Enabled && a.sched.Enabled() {
		// Do not wait a full interval for the first poll.
		a.sup.Go0("ingest.initial", func(c context.Context) {
			if err := a.sched.RunNow(c, jobIngest); err != nil && !errors.Is(err, scheduler.ErrBusy) {
				a.log.Warn("initial poll failed", logx.Err(err))
			}
		})
	}

	a.startEventLog()
	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)

	a.sd.ready()
	a.log.Info("app started",
		logx.String("playlist", a.comps.Source.Playlist()),
		logx.Bool("telegram", a.tg != nil),
		logx.Bool("commands", a.cmds != nil),
	)
	return nil
}

// startEventLog mirrors bus traffic into debug logs.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128, "ledger.*", "presence.*", "notifier.*", scheduler.TopicRun)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("topic", e.Topic), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.comps.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Cancel background loops first so they unwind while the steps run.
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.tg != nil {
		step("telegram", 3*time.Second, a.tg.Stop)
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.comps.Close() })

	a.log.Info("stopped", logx.Uint64("bus_dropped", eventbus.Dropped(a.bus)), logx.Uint64("chat_dropped", a.logs.ChatDropped()))
	return a.logs.Close()
}
