package ledger

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"droughtwatch/internal/model"
	"droughtwatch/internal/storage"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func cand(id string, offset time.Duration) model.Candidate {
	return model.Candidate{ExternalID: id, Title: "video " + id, PublishedAt: base.Add(offset)}
}

func newTestBuilder(t *testing.T) (*Builder, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return NewBuilder(st, WithNow(func() time.Time { return base.Add(1000 * time.Hour) })), st
}

func ids(events []model.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ExternalID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconcileTwoCandidates(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	ctx := context.Background()

	res, err := b.Reconcile(ctx, []model.Candidate{cand("b", 200*time.Millisecond), cand("a", 100*time.Millisecond)})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := ids(res.Inserted); !equalIDs(got, []string{"a", "b"}) {
		t.Fatalf("Inserted = %v, want [a b]", got)
	}
	if len(res.Gaps) != 1 {
		t.Fatalf("Gaps = %+v, want one", res.Gaps)
	}
	g := res.Gaps[0]
	if g.StartEventID != "a" || g.EndEventID != "b" || g.DurationMS != 100 {
		t.Fatalf("gap = %+v", g)
	}
	if res.Latest == nil || res.Latest.ExternalID != "b" || res.LatestGap == nil || res.LatestGap.EndEventID != "b" {
		t.Fatalf("Latest = %+v, LatestGap = %+v", res.Latest, res.LatestGap)
	}

	stored, err := st.EventsAscending(ctx)
	if err != nil {
		t.Fatalf("EventsAscending() error = %v", err)
	}
	if got := ids(stored); !equalIDs(got, []string{"a", "b"}) {
		t.Fatalf("stored = %v", got)
	}
	if !stored[0].DetectedAt.Equal(base.Add(1000 * time.Hour)) {
		t.Fatalf("DetectedAt = %v", stored[0].DetectedAt)
	}
}

func TestReconcileSecondRunIsNoop(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	ctx := context.Background()
	cands := []model.Candidate{cand("b", 200*time.Millisecond), cand("a", 100*time.Millisecond)}

	if _, err := b.Reconcile(ctx, cands); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	res, err := b.Reconcile(ctx, cands)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if len(res.Inserted) != 0 || len(res.Gaps) != 0 || res.Latest != nil {
		t.Fatalf("second run wrote %+v", res)
	}
	s, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.Events != 2 || s.Gaps != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestReconcileFirstEventEver(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t)
	res, err := b.Reconcile(context.Background(), []model.Candidate{cand("x", 0)})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Latest == nil || res.LatestGap != nil || len(res.Gaps) != 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestReconcileBatchDuplicatesAndBlankIDs(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t)
	first := cand("a", time.Hour)
	dup := cand("a", 5*time.Hour)
	dup.Title = "later copy"
	res, err := b.Reconcile(context.Background(), []model.Candidate{first, dup, {ExternalID: "  "}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Inserted) != 1 || res.Inserted[0].Title != "video a" {
		t.Fatalf("Inserted = %+v, want first occurrence only", res.Inserted)
	}
}

func TestReconcileOrderIndependent(t *testing.T) {
	t.Parallel()
	cands := []model.Candidate{
		cand("a", 0), cand("b", time.Hour), cand("c", 3*time.Hour),
		cand("d", 3*time.Hour), cand("e", 10*time.Hour),
	}
	want := func() []model.Gap {
		b, st := newTestBuilder(t)
		if _, err := b.Reconcile(context.Background(), cands); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		gaps, err := st.ListGaps(context.Background(), storage.GapsLongestFirst, 0)
		if err != nil {
			t.Fatalf("ListGaps() error = %v", err)
		}
		return gaps
	}()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		perm := append([]model.Candidate(nil), cands...)
		rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })

		b, st := newTestBuilder(t)
		if _, err := b.Reconcile(context.Background(), perm); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		got, err := st.ListGaps(context.Background(), storage.GapsLongestFirst, 0)
		if err != nil {
			t.Fatalf("ListGaps() error = %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("perm %d: %d gaps, want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j].DurationMS != want[j].DurationMS {
				t.Fatalf("perm %d gap %d: %+v, want duration %d", i, j, got[j], want[j].DurationMS)
			}
			if got[j].DurationMS < 0 {
				t.Fatalf("negative gap %+v", got[j])
			}
		}
	}
}

func TestReconcileChainsFromPreviousLatest(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t)
	ctx := context.Background()
	if _, err := b.Reconcile(ctx, []model.Candidate{cand("a", 0)}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	res, err := b.Reconcile(ctx, []model.Candidate{cand("a", 0), cand("b", 2*time.Hour)})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.LatestGap == nil || res.LatestGap.StartEventID != "a" || res.LatestGap.Duration() != 2*time.Hour {
		t.Fatalf("LatestGap = %+v", res.LatestGap)
	}
}

func TestReconcileLateArrival(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	ctx := context.Background()
	if _, err := b.Reconcile(ctx, []model.Candidate{cand("a", 0), cand("c", 4*time.Hour)}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	res, err := b.Reconcile(ctx, []model.Candidate{cand("b", 2*time.Hour)})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Late != 1 || len(res.Inserted) != 1 || len(res.Gaps) != 0 || res.Latest != nil {
		t.Fatalf("late res = %+v", res)
	}

	added, err := b.RepairGaps(ctx)
	if err != nil {
		t.Fatalf("RepairGaps() error = %v", err)
	}
	if added != 1 {
		t.Fatalf("RepairGaps() = %d, want 1 (a->b)", added)
	}
	g, err := st.GapByEnd(ctx, "b")
	if err != nil || g == nil || g.StartEventID != "a" || g.Duration() != 2*time.Hour {
		t.Fatalf("GapByEnd(b) = %+v, %v", g, err)
	}
}

func TestRepairGapsPartition(t *testing.T) {
	t.Parallel()
	_, st := newTestBuilder(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d"} {
		if _, err := st.InsertEvent(ctx, cand(id, time.Duration(i)*time.Hour).Event(base)); err != nil {
			t.Fatalf("InsertEvent() error = %v", err)
		}
	}
	b := NewBuilder(st)
	added, err := b.RepairGaps(ctx)
	if err != nil || added != 3 {
		t.Fatalf("RepairGaps() = %d, %v; want 3", added, err)
	}
	again, err := b.RepairGaps(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second RepairGaps() = %d, %v; want 0", again, err)
	}
	gaps, _ := st.ListGaps(ctx, storage.GapsNewestFirst, 0)
	var total time.Duration
	for _, g := range gaps {
		total += g.Duration()
	}
	if total != 3*time.Hour {
		t.Fatalf("gaps do not partition the span: total %v", total)
	}
}

func TestSeedIfEmpty(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t)
	ctx := context.Background()
	ok, err := b.SeedIfEmpty(ctx, cand("seed", 0))
	if err != nil || !ok {
		t.Fatalf("SeedIfEmpty() = %v, %v", ok, err)
	}
	ok, err = b.SeedIfEmpty(ctx, cand("other", time.Hour))
	if err != nil || ok {
		t.Fatalf("second SeedIfEmpty() = %v, %v; want false", ok, err)
	}
}

var errStoreDown = errors.New("store down")

type brokenLedger struct{ storage.Ledger }

func (brokenLedger) LatestEvent(context.Context) (*model.Event, error) { return nil, errStoreDown }

func TestSeedIfEmptyWrapsStoreErrors(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	_, err := NewBuilder(brokenLedger{st}).SeedIfEmpty(context.Background(), cand("seed", 0))
	if !errors.Is(err, errStoreDown) || !strings.HasPrefix(err.Error(), "load latest event: ") {
		t.Fatalf("SeedIfEmpty() error = %v", err)
	}
}
