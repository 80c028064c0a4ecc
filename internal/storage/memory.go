package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"droughtwatch/internal/model"
)

// ledgerState is the in-memory form shared by the memory and file drivers.
// Callers hold the owning store's lock.
type ledgerState struct {
	events []model.Event // insertion order
	byID   map[string]int

	gaps     map[string]model.Gap // by EndEventID
	gapOrder []string

	beats map[string]time.Time

	subs map[string]model.Subscriber // by email; survives reset
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		byID:  map[string]int{},
		gaps:  map[string]model.Gap{},
		beats: map[string]time.Time{},
		subs:  map[string]model.Subscriber{},
	}
}

// reset clears the ledger and heartbeats but keeps subscribers.
func (st *ledgerState) reset() {
	subs := st.subs
	*st = *newLedgerState()
	st.subs = subs
}

func (st *ledgerState) addEvent(e model.Event) bool {
	if _, ok := st.byID[e.ExternalID]; ok {
		return false
	}
	st.byID[e.ExternalID] = len(st.events)
	st.events = append(st.events, e)
	return true
}

func (st *ledgerState) addGap(g model.Gap) bool {
	if _, ok := st.gaps[g.EndEventID]; ok {
		return false
	}
	st.gaps[g.EndEventID] = g
	st.gapOrder = append(st.gapOrder, g.EndEventID)
	return true
}

func (st *ledgerState) purge(before time.Time) int {
	n := 0
	for id, seen := range st.beats {
		if seen.Before(before) {
			delete(st.beats, id)
			n++
		}
	}
	return n
}

func (st *ledgerState) ascending() []model.Event {
	out := append([]model.Event(nil), st.events...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out
}

func (st *ledgerState) gapList(order GapOrder) []model.Gap {
	out := make([]model.Gap, 0, len(st.gapOrder))
	for _, id := range st.gapOrder {
		out = append(out, st.gaps[id])
	}
	switch order {
	case GapsLongestFirst:
		sort.SliceStable(out, func(i, j int) bool { return out[i].DurationMS > out[j].DurationMS })
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	}
	return out
}

func (st *ledgerState) stats() model.Stats {
	s := model.Stats{Events: len(st.events), Gaps: len(st.gaps)}
	asc := st.ascending()
	if n := len(asc); n > 0 {
		latest := asc[n-1]
		s.Latest = &latest
		if g, ok := st.gaps[latest.ExternalID]; ok {
			s.LatestGap = &g
		}
		for i := n - 1; i >= 0 && len(s.RecentThree) < 3; i-- {
			s.RecentThree = append(s.RecentThree, asc[i])
		}
	}
	var total int64
	for _, g := range st.gaps {
		total += g.DurationMS
		if s.Longest == nil || g.DurationMS > s.Longest.DurationMS {
			g := g
			s.Longest = &g
		}
	}
	if len(st.gaps) > 0 {
		s.AverageGap = time.Duration(total/int64(len(st.gaps))) * time.Millisecond
	}
	return s
}

type memoryStore struct {
	mu     sync.Mutex
	st     *ledgerState
	closed bool

	// journal, when set, records a mutation before it is applied.
	// The file driver uses it for durability.
	journal func(rec journalRecord) error
}

func (m *memoryStore) record(rec journalRecord) error {
	if m.journal == nil {
		return nil
	}
	return m.journal(rec)
}

// NewMemory returns an empty process-local store.
func NewMemory() Store { return &memoryStore{st: newLedgerState()} }

func (m *memoryStore) lock() (*ledgerState, func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrClosed
	}
	return m.st, m.mu.Unlock, nil
}

func (m *memoryStore) InsertEvent(ctx context.Context, e model.Event) (bool, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	if _, ok := st.byID[e.ExternalID]; ok {
		return false, nil
	}
	if err := m.record(journalRecord{Op: opEvent, Event: &e}); err != nil {
		return false, err
	}
	return st.addEvent(e), nil
}

func (m *memoryStore) KnownEventIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := st.byID[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *memoryStore) LatestEvent(ctx context.Context) (*model.Event, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	asc := st.ascending()
	if len(asc) == 0 {
		return nil, nil
	}
	e := asc[len(asc)-1]
	return &e, nil
}

func (m *memoryStore) EventsAscending(ctx context.Context) ([]model.Event, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return st.ascending(), nil
}

func (m *memoryStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	asc := st.ascending()
	out := make([]model.Event, 0, min(max(limit, 0), len(asc)))
	for i := len(asc) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, asc[i])
	}
	return out, nil
}

func (m *memoryStore) InsertGap(ctx context.Context, g model.Gap) (bool, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	if _, ok := st.gaps[g.EndEventID]; ok {
		return false, nil
	}
	if err := m.record(journalRecord{Op: opGap, Gap: &g}); err != nil {
		return false, err
	}
	return st.addGap(g), nil
}

func (m *memoryStore) GapEndIDs(ctx context.Context) (map[string]bool, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make(map[string]bool, len(st.gaps))
	for id := range st.gaps {
		out[id] = true
	}
	return out, nil
}

func (m *memoryStore) GapByEnd(ctx context.Context, endEventID string) (*model.Gap, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	g, ok := st.gaps[endEventID]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *memoryStore) ListGaps(ctx context.Context, order GapOrder, limit int) ([]model.Gap, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := st.gapList(order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) UpsertHeartbeat(ctx context.Context, visitorID string, at time.Time) error {
	st, unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.record(journalRecord{Op: opBeat, VisitorID: visitorID, At: at.UnixMilli()}); err != nil {
		return err
	}
	st.beats[visitorID] = at
	return nil
}

func (m *memoryStore) PurgeStaleHeartbeats(ctx context.Context, olderThan time.Time) (int, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	if err := m.record(journalRecord{Op: opPurge, At: olderThan.UnixMilli()}); err != nil {
		return 0, err
	}
	return st.purge(olderThan), nil
}

func (m *memoryStore) CountActiveViewers(ctx context.Context, since time.Time) (int, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	n := 0
	for _, seen := range st.beats {
		if !seen.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Stats(ctx context.Context) (model.Stats, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return model.Stats{}, err
	}
	defer unlock()
	return st.stats(), nil
}

func (m *memoryStore) Reset(ctx context.Context) error {
	_, unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.record(journalRecord{Op: opReset}); err != nil {
		return err
	}
	m.st.reset()
	return nil
}

func (m *memoryStore) SubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	s, ok := st.subs[email]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memoryStore) SubscriberByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if token == "" {
		return nil, nil
	}
	for _, s := range st.subs {
		if s.Token == token {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) PutSubscriber(ctx context.Context, s model.Subscriber) error {
	st, unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.record(journalRecord{Op: opSubscriber, Subscriber: &s}); err != nil {
		return err
	}
	st.subs[s.Email] = s
	return nil
}

func (m *memoryStore) CountConfirmedSubscribers(ctx context.Context) (int, error) {
	st, unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	n := 0
	for _, s := range st.subs {
		if s.Confirmed {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
