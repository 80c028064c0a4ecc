package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/model"
	"droughtwatch/internal/storage"
	"droughtwatch/pkg/logx"
)

// Result describes one reconcile pass.
type Result struct {
	// Inserted are the events this pass wrote, ascending by PublishedAt.
	Inserted []model.Event
	Gaps     []model.Gap
	// Latest is the chronologically last inserted event that extends the
	// ledger; LatestGap is the gap it closes (nil for the first event ever).
	Latest    *model.Event
	LatestGap *model.Gap
	// Late counts inserted events older than the previous latest event.
	// They get their gaps from RepairGaps.
	Late int
}

type Builder struct {
	store storage.Ledger
	bus   eventbus.Bus
	now   func() time.Time
	log   logx.Logger
}

type Option func(*Builder)

func WithBus(bus eventbus.Bus) Option     { return func(b *Builder) { b.bus = bus } }
func WithNow(now func() time.Time) Option { return func(b *Builder) { b.now = now } }
func WithLogger(log logx.Logger) Option   { return func(b *Builder) { b.log = log } }

func NewBuilder(store storage.Ledger, opts ...Option) *Builder {
	b := &Builder{store: store, bus: eventbus.Nop{}, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With(logx.Component("ledger"))
	return b
}

// Reconcile stores the candidates not yet in the ledger and derives their
// gaps. Candidate order does not matter. On error the partial Result holds
// what was written before the failure.
func (b *Builder) Reconcile(ctx context.Context, candidates []model.Candidate) (Result, error) {
	var res Result

	prevLatest, err := b.store.LatestEvent(ctx)
	if err != nil {
		return res, fmt.Errorf("load latest event: %w", err)
	}

	fresh, err := b.unseen(ctx, candidates)
	if err != nil {
		return res, err
	}
	if len(fresh) == 0 {
		return res, nil
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].PublishedAt.Before(fresh[j].PublishedAt) })

	detected := b.now().UTC()
	pred := prevLatest
	for _, c := range fresh {
		e := c.Event(detected)
		inserted, err := b.store.InsertEvent(ctx, e)
		if err != nil {
			return res, fmt.Errorf("insert event %s: %w", e.ExternalID, err)
		}
		late := prevLatest != nil && e.PublishedAt.Before(prevLatest.PublishedAt)
		if inserted {
			res.Inserted = append(res.Inserted, e)
			b.bus.Publish(eventbus.Event{Topic: eventbus.TopicEventStored, Data: e})
			if late {
				res.Late++
			}
		}
		if late {
			b.log.Info("late event stored without gap", logx.String("external_id", e.ExternalID), logx.Time("published_at", e.PublishedAt))
			continue
		}

		var gap *model.Gap
		if pred != nil {
			g := model.NewGap(*pred, e)
			ok, err := b.store.InsertGap(ctx, g)
			if err != nil {
				return res, fmt.Errorf("insert gap ending %s: %w", e.ExternalID, err)
			}
			if ok {
				res.Gaps = append(res.Gaps, g)
				b.bus.Publish(eventbus.Event{Topic: eventbus.TopicGapStored, Data: g})
			} else if existing, err := b.store.GapByEnd(ctx, e.ExternalID); err == nil && existing != nil {
				g = *existing
			}
			gap = &g
		}
		if inserted {
			latest := e
			res.Latest, res.LatestGap = &latest, gap
		}
		cur := e
		pred = &cur
	}

	if len(res.Inserted) > 0 {
		b.log.Info("ledger reconciled",
			logx.Int("candidates", len(candidates)),
			logx.Int("inserted", len(res.Inserted)),
			logx.Int("gaps", len(res.Gaps)),
			logx.Int("late", res.Late),
		)
	}
	return res, nil
}

// unseen drops blank ids, batch duplicates (first occurrence wins) and ids
// already stored.
func (b *Builder) unseen(ctx context.Context, candidates []model.Candidate) ([]model.Candidate, error) {
	seen := make(map[string]bool, len(candidates))
	batch := make([]model.Candidate, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c.ExternalID = strings.TrimSpace(c.ExternalID)
		if c.ExternalID == "" || seen[c.ExternalID] {
			continue
		}
		seen[c.ExternalID] = true
		batch = append(batch, c)
		ids = append(ids, c.ExternalID)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	known, err := b.store.KnownEventIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup known events: %w", err)
	}
	out := batch[:0]
	for _, c := range batch {
		if !known[c.ExternalID] {
			out = append(out, c)
		}
	}
	return out, nil
}

// RepairGaps walks the whole ascending ledger and inserts every missing gap
// between adjacent events. It returns the number of gaps written.
func (b *Builder) RepairGaps(ctx context.Context) (int, error) {
	events, err := b.store.EventsAscending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	have, err := b.store.GapEndIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list gaps: %w", err)
	}
	added := 0
	for i := 1; i < len(events); i++ {
		if have[events[i].ExternalID] {
			continue
		}
		g := model.NewGap(events[i-1], events[i])
		ok, err := b.store.InsertGap(ctx, g)
		if err != nil {
			return added, fmt.Errorf("insert gap ending %s: %w", g.EndEventID, err)
		}
		if ok {
			added++
			b.bus.Publish(eventbus.Event{Topic: eventbus.TopicGapStored, Data: g})
		}
	}
	if added > 0 {
		b.log.Info("missing gaps filled", logx.Int("added", added), logx.Int("events", len(events)))
	}
	return added, nil
}

// SeedIfEmpty stores c only when the ledger has no events yet.
func (b *Builder) SeedIfEmpty(ctx context.Context, c model.Candidate) (bool, error) {
	latest, err := b.store.LatestEvent(ctx)
	if err != nil {
		return false, fmt.Errorf("load latest event: %w", err)
	}
	if latest != nil {
		return false, nil
	}
	e := c.Event(b.now().UTC())
	ok, err := b.store.InsertEvent(ctx, e)
	if err != nil {
		return false, fmt.Errorf("insert seed event %s: %w", e.ExternalID, err)
	}
	if ok {
		b.bus.Publish(eventbus.Event{Topic: eventbus.TopicEventStored, Data: e})
	}
	return ok, nil
}
