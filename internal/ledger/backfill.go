package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/model"
	"droughtwatch/internal/source"
	"droughtwatch/pkg/logx"
)

// ErrBackfillRunning is returned by Run while another run is in flight.
var ErrBackfillRunning = errors.New("backfill already running")

// PageFetcher is the slice of the source client used by backfill.
type PageFetcher interface {
	FetchPage(ctx context.Context, limit int, pageToken string) (source.Page, error)
}

type BackfillReport struct {
	Pages       int `json:"pages"`
	Fetched     int `json:"fetched"`
	EventsAdded int `json:"events_added"`
	GapsAdded   int `json:"gaps_added"`
	// Truncated is set when a page after the first failed.
	Truncated bool `json:"truncated,omitempty"`
}

// Backfiller seeds historical events and fills every missing gap. It never
// announces.
type Backfiller struct {
	source   PageFetcher
	builder  *Builder
	bus      eventbus.Bus
	MaxPages int
	PageSize int
	log      logx.Logger
	running  atomic.Bool
}

func NewBackfiller(src PageFetcher, b *Builder, log logx.Logger) *Backfiller {
	return &Backfiller{
		source:   src,
		builder:  b,
		bus:      b.bus,
		MaxPages: 2,
		PageSize: 50,
		log:      log.With(logx.Component("backfill")),
	}
}

// Run fetches up to MaxPages pages. A failure on the first page aborts; a
// later failure keeps what was fetched.
func (bf *Backfiller) Run(ctx context.Context) (BackfillReport, error) {
	if !bf.running.CompareAndSwap(false, true) {
		return BackfillReport{}, ErrBackfillRunning
	}
	defer bf.running.Store(false)

	var (
		rep   BackfillReport
		all   []model.Candidate
		token string
	)
	pages := max(bf.MaxPages, 1)
	for p := 0; p < pages; p++ {
		page, err := bf.source.FetchPage(ctx, bf.PageSize, token)
		if err != nil {
			if p == 0 {
				return rep, fmt.Errorf("fetch page 1: %w", err)
			}
			bf.log.Warn("backfill paging stopped early", logx.Int("page", p+1), logx.Err(err))
			rep.Truncated = true
			break
		}
		rep.Pages++
		rep.Fetched += len(page.Items)
		all = append(all, page.Items...)
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	res, err := bf.builder.Reconcile(ctx, all)
	rep.EventsAdded = len(res.Inserted)
	rep.GapsAdded = len(res.Gaps)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	filled, err := bf.builder.RepairGaps(ctx)
	rep.GapsAdded += filled
	if err != nil {
		return rep, fmt.Errorf("repair gaps: %w", err)
	}

	bf.bus.Publish(eventbus.Event{Topic: eventbus.TopicBackfillDone, Data: rep})
	bf.log.Info("backfill complete",
		logx.Int("pages", rep.Pages),
		logx.Int("fetched", rep.Fetched),
		logx.Int("events_added", rep.EventsAdded),
		logx.Int("gaps_added", rep.GapsAdded),
	)
	return rep, nil
}
