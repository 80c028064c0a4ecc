package ledger

import (
	"context"
	"fmt"
	"sync/atomic"

	"droughtwatch/internal/model"
	"droughtwatch/internal/notifier"
	"droughtwatch/pkg/logx"
)

// RecentFetcher is the slice of the source client used by polling.
type RecentFetcher interface {
	FetchRecent(ctx context.Context, limit int) ([]model.Candidate, error)
}

// Announcer receives the newest event after a successful reconcile.
type Announcer interface {
	Dispatch(ctx context.Context, a notifier.Announcement) notifier.Report
}

// SubscriberCounter supplies the headcount shown in announcements.
type SubscriberCounter interface {
	CountSubscribers(ctx context.Context) (int, error)
}

// Ingestor is the scheduled polling job: fetch, reconcile, announce.
type Ingestor struct {
	source      RecentFetcher
	builder     *Builder
	notify      Announcer
	subscribers SubscriberCounter
	limit       int
	log         logx.Logger
	// repair is set when gaps may be missing: at startup (a previous
	// process may have stopped mid-reconcile), after a failed reconcile and
	// after late arrivals. Poll clears it once a gap walk succeeds.
	repair atomic.Bool
}

// SetSubscriberCounter attaches an optional headcount source.
func (i *Ingestor) SetSubscriberCounter(c SubscriberCounter) { i.subscribers = c }

// NewIngestor wires a poller. notify may be nil to disable announcements.
func NewIngestor(src RecentFetcher, b *Builder, notify Announcer, limit int, log logx.Logger) *Ingestor {
	if limit <= 0 {
		limit = 10
	}
	i := &Ingestor{source: src, builder: b, notify: notify, limit: limit, log: log.With(logx.Component("ingest"))}
	i.repair.Store(true)
	return i
}

// Poll runs one ingestion cycle. A source failure aborts the cycle before
// any write. The announcement is sent at most once, after the ledger writes,
// and its outcome never fails the cycle.
func (i *Ingestor) Poll(ctx context.Context) (Result, error) {
	candidates, err := i.source.FetchRecent(ctx, i.limit)
	if err != nil {
		return Result{}, fmt.Errorf("fetch recent: %w", err)
	}
	res, err := i.builder.Reconcile(ctx, candidates)
	if err != nil {
		i.repair.Store(true)
		return res, fmt.Errorf("reconcile: %w", err)
	}
	if res.Late > 0 {
		i.repair.Store(true)
	}
	if i.repair.Load() {
		if n, err := i.builder.RepairGaps(ctx); err != nil {
			i.log.Warn("gap repair failed", logx.Err(err))
		} else {
			i.repair.Store(false)
			i.log.Debug("gap repair done", logx.Int("added", n), logx.Int("late", res.Late))
		}
	}
	if res.Latest == nil {
		return res, nil
	}
	i.log.Info("new event detected",
		logx.String("external_id", res.Latest.ExternalID),
		logx.String("title", res.Latest.Title),
		logx.Bool("first_ever", res.LatestGap == nil),
	)
	if i.notify != nil {
		a := notifier.Announcement{Event: *res.Latest, Gap: res.LatestGap}
		if i.subscribers != nil {
			if n, err := i.subscribers.CountSubscribers(ctx); err != nil {
				i.log.Debug("subscriber count unavailable", logx.Err(err))
			} else {
				a.SubscriberCount = n
			}
		}
		rep := i.notify.Dispatch(ctx, a)
		i.log.Debug("announcement dispatched", logx.Strings("sent", rep.Sent), logx.Int("failed", len(rep.Failed)))
	}
	return res, nil
}
