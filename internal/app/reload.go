package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"droughtwatch/internal/config"
	"droughtwatch/internal/transport"
	"droughtwatch/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = []string{"storage", "source", "notifier", "backfill"}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if (prev.Telegram.Token == "") != (next.Telegram.Token == "") {
		a.log.Warn("telegram token added or removed; restart required")
	}

	if a.tg != nil {
		a.tg.SetLogChat(transport.ChatTarget{ChatID: next.Telegram.LogChatID, ThreadID: next.Logging.Telegram.ThreadID})
	}
	a.logs.Apply(LogConfig(next))

	if a.cmds != nil {
		a.cmds.SetOwners(next.Telegram.OwnerUserIDs)
	}

	scfg, err := mapSchedulerConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(scfg)
		switch {
		case wasEnabled && !scfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			a.log.Info("scheduler disabled via config")
		case !wasEnabled && scfg.Enabled:
			a.sched.Start(ctx)
			a.log.Info("scheduler enabled via config")
		}
	}
	if slices.Contains(sections, "ingest") || slices.Contains(sections, "presence") {
		if err := a.registerJobs(next); err != nil {
			a.log.Warn("job update failed; keeping previous", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
