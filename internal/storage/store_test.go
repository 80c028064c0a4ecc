package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"droughtwatch/internal/model"
	"droughtwatch/pkg/logx"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func ev(id string, offset time.Duration) model.Event {
	return model.Event{ExternalID: id, Title: "video " + id, PublishedAt: t0.Add(offset), DetectedAt: t0.Add(48 * time.Hour)}
}

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"memory", "file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s) error = %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestInsertEventIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ins, err := st.InsertEvent(ctx, ev("a", 0))
			if err != nil || !ins {
				t.Fatalf("first insert = %v, %v", ins, err)
			}
			dup := ev("a", time.Hour)
			dup.Title = "changed"
			ins, err = st.InsertEvent(ctx, dup)
			if err != nil || ins {
				t.Fatalf("duplicate insert = %v, %v; want false, nil", ins, err)
			}
			latest, err := st.LatestEvent(ctx)
			if err != nil || latest == nil {
				t.Fatalf("LatestEvent() = %v, %v", latest, err)
			}
			if latest.Title != "video a" || !latest.PublishedAt.Equal(t0) {
				t.Fatalf("stored event was mutated: %+v", latest)
			}
		})
	}
}

func TestOrderingAndTies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			for _, e := range []model.Event{ev("c", 2*time.Hour), ev("a", 0), ev("b1", time.Hour), ev("b2", time.Hour)} {
				if _, err := st.InsertEvent(ctx, e); err != nil {
					t.Fatal(err)
				}
			}
			asc, err := st.EventsAscending(ctx)
			if err != nil {
				t.Fatal(err)
			}
			got := ids(asc)
			if got != "a,b1,b2,c" {
				t.Fatalf("EventsAscending() = %s", got)
			}
			recent, err := st.RecentEvents(ctx, 3)
			if err != nil {
				t.Fatal(err)
			}
			if got := ids(recent); got != "c,b2,b1" {
				t.Fatalf("RecentEvents(3) = %s", got)
			}
			known, err := st.KnownEventIDs(ctx, []string{"a", "zz", "c"})
			if err != nil {
				t.Fatal(err)
			}
			if len(known) != 2 || !known["a"] || !known["c"] {
				t.Fatalf("KnownEventIDs() = %v", known)
			}
		})
	}
}

func TestLatestEventEmpty(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		e, err := st.LatestEvent(context.Background())
		if err != nil || e != nil {
			t.Fatalf("%s: LatestEvent() on empty = %v, %v", name, e, err)
		}
	}
}

func TestGapsUniqueByEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			a, b, c := ev("a", 0), ev("b", 3*time.Hour), ev("c", 4*time.Hour)
			g1 := model.NewGap(a, b)
			if ins, err := st.InsertGap(ctx, g1); err != nil || !ins {
				t.Fatalf("InsertGap = %v, %v", ins, err)
			}
			// A second gap closing b is rejected regardless of its start.
			if ins, err := st.InsertGap(ctx, model.NewGap(c, b)); err != nil || ins {
				t.Fatalf("duplicate end gap = %v, %v", ins, err)
			}
			if _, err := st.InsertGap(ctx, model.NewGap(b, c)); err != nil {
				t.Fatal(err)
			}

			got, err := st.GapByEnd(ctx, "b")
			if err != nil || got == nil {
				t.Fatalf("GapByEnd(b) = %v, %v", got, err)
			}
			if got.StartEventID != "a" || got.DurationMS != (3*time.Hour).Milliseconds() {
				t.Fatalf("GapByEnd(b) = %+v", got)
			}
			if miss, err := st.GapByEnd(ctx, "a"); err != nil || miss != nil {
				t.Fatalf("GapByEnd(a) = %v, %v", miss, err)
			}

			longest, err := st.ListGaps(ctx, GapsLongestFirst, 0)
			if err != nil || len(longest) != 2 || longest[0].EndEventID != "b" {
				t.Fatalf("ListGaps(longest) = %+v, %v", longest, err)
			}
			newest, err := st.ListGaps(ctx, GapsNewestFirst, 1)
			if err != nil || len(newest) != 1 || newest[0].EndEventID != "c" {
				t.Fatalf("ListGaps(newest,1) = %+v, %v", newest, err)
			}
			ends, err := st.GapEndIDs(ctx)
			if err != nil || len(ends) != 2 || !ends["b"] || !ends["c"] {
				t.Fatalf("GapEndIDs() = %v, %v", ends, err)
			}
		})
	}
}

func TestHeartbeatRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := t0.Add(time.Hour)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			must := func(err error) {
				t.Helper()
				if err != nil {
					t.Fatal(err)
				}
			}
			must(st.UpsertHeartbeat(ctx, "fresh", now.Add(-10*time.Second)))
			must(st.UpsertHeartbeat(ctx, "idle", now.Add(-90*time.Second)))
			must(st.UpsertHeartbeat(ctx, "gone", now.Add(-10*time.Minute)))
			// Upsert refreshes, never duplicates.
			must(st.UpsertHeartbeat(ctx, "fresh", now))

			n, err := st.CountActiveViewers(ctx, now.Add(-60*time.Second))
			if err != nil || n != 1 {
				t.Fatalf("CountActiveViewers = %d, %v; want 1", n, err)
			}
			purged, err := st.PurgeStaleHeartbeats(ctx, now.Add(-120*time.Second))
			if err != nil || purged != 1 {
				t.Fatalf("PurgeStaleHeartbeats = %d, %v; want 1", purged, err)
			}
			n, err = st.CountActiveViewers(ctx, now.Add(-time.Hour))
			if err != nil || n != 2 {
				t.Fatalf("CountActiveViewers(all) = %d, %v; want 2", n, err)
			}
		})
	}
}

func TestStatsAndReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			a, b, c := ev("a", 0), ev("b", 2*time.Hour), ev("c", 3*time.Hour)
			for _, e := range []model.Event{a, b, c} {
				if _, err := st.InsertEvent(ctx, e); err != nil {
					t.Fatal(err)
				}
			}
			for _, g := range []model.Gap{model.NewGap(a, b), model.NewGap(b, c)} {
				if _, err := st.InsertGap(ctx, g); err != nil {
					t.Fatal(err)
				}
			}
			s, err := st.Stats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if s.Events != 3 || s.Gaps != 2 {
				t.Fatalf("counts = %d/%d", s.Events, s.Gaps)
			}
			if s.Latest == nil || s.Latest.ExternalID != "c" || s.LatestGap == nil || s.LatestGap.StartEventID != "b" {
				t.Fatalf("latest = %+v gap = %+v", s.Latest, s.LatestGap)
			}
			if s.Longest == nil || s.Longest.EndEventID != "b" {
				t.Fatalf("longest = %+v", s.Longest)
			}
			if s.AverageGap != 90*time.Minute {
				t.Fatalf("AverageGap = %s", s.AverageGap)
			}
			if ids(s.RecentThree) != "c,b,a" {
				t.Fatalf("RecentThree = %s", ids(s.RecentThree))
			}

			if err := st.Reset(ctx); err != nil {
				t.Fatal(err)
			}
			s, err = st.Stats(ctx)
			if err != nil || s.Events != 0 || s.Gaps != 0 || s.Latest != nil {
				t.Fatalf("after reset: %+v, %v", s, err)
			}
		})
	}
}

func TestSubscribers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if s, err := st.SubscriberByEmail(ctx, "a@example.test"); err != nil || s != nil {
				t.Fatalf("missing subscriber = %+v, %v", s, err)
			}
			pending := model.Subscriber{Email: "a@example.test", SubscribedAt: t0, Token: "tok-a", TokenExpiresAt: t0.Add(24 * time.Hour)}
			if err := st.PutSubscriber(ctx, pending); err != nil {
				t.Fatal(err)
			}
			if err := st.PutSubscriber(ctx, model.Subscriber{Email: "b@example.test", SubscribedAt: t0, Confirmed: true}); err != nil {
				t.Fatal(err)
			}

			got, err := st.SubscriberByToken(ctx, "tok-a")
			if err != nil || got == nil {
				t.Fatalf("SubscriberByToken = %+v, %v", got, err)
			}
			if got.Email != "a@example.test" || got.Confirmed || !got.TokenExpiresAt.Equal(pending.TokenExpiresAt) {
				t.Fatalf("by token = %+v", got)
			}
			if s, _ := st.SubscriberByToken(ctx, ""); s != nil {
				t.Fatalf("empty token matched %+v", s)
			}
			if n, err := st.CountConfirmedSubscribers(ctx); err != nil || n != 1 {
				t.Fatalf("confirmed = %d, %v", n, err)
			}

			got.Confirmed, got.Token, got.TokenExpiresAt = true, "", time.Time{}
			if err := st.PutSubscriber(ctx, *got); err != nil {
				t.Fatal(err)
			}
			if s, _ := st.SubscriberByToken(ctx, "tok-a"); s != nil {
				t.Fatalf("token still resolves after confirm: %+v", s)
			}
			if err := st.Reset(ctx); err != nil {
				t.Fatal(err)
			}
			if n, _ := st.CountConfirmedSubscribers(ctx); n != 2 {
				t.Fatalf("confirmed after reset = %d, want 2", n)
			}
			s, _ := st.SubscriberByEmail(ctx, "a@example.test")
			if s == nil || !s.Confirmed || !s.SubscribedAt.Equal(t0) {
				t.Fatalf("by email = %+v", s)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.json")}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	a, b := ev("a", 0), ev("b", time.Hour)
	_, _ = st.InsertEvent(ctx, a)
	_, _ = st.InsertEvent(ctx, b)
	_, _ = st.InsertGap(ctx, model.NewGap(a, b))
	_ = st.UpsertHeartbeat(ctx, "v1", t0)
	_ = st.PutSubscriber(ctx, model.Subscriber{Email: "a@example.test", SubscribedAt: t0, Confirmed: true})
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	asc, _ := st.EventsAscending(ctx)
	if ids(asc) != "a,b" {
		t.Fatalf("events after reopen = %s", ids(asc))
	}
	if g, _ := st.GapByEnd(ctx, "b"); g == nil {
		t.Fatal("gap lost after reopen")
	}
	if n, _ := st.CountActiveViewers(ctx, t0); n != 1 {
		t.Fatalf("heartbeats after reopen = %d", n)
	}
	if n, _ := st.CountConfirmedSubscribers(ctx); n != 1 {
		t.Fatalf("subscribers after reopen = %d", n)
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.json")}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < compactEvery+5; i++ {
		if err := st.UpsertHeartbeat(ctx, "v", t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.Reset(ctx)
	_, _ = st.InsertEvent(ctx, ev("after-reset", 0))
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	asc, _ := st.EventsAscending(ctx)
	if ids(asc) != "after-reset" {
		t.Fatalf("events = %s", ids(asc))
	}
	if n, _ := st.CountActiveViewers(ctx, time.Time{}); n != 0 {
		t.Fatalf("heartbeats survived reset: %d", n)
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if _, err := st.InsertEvent(context.Background(), ev("a", 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("InsertEvent after Close = %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("Open(postgres) = %v", err)
	}
}

func ids(es []model.Event) string {
	s := ""
	for i, e := range es {
		if i > 0 {
			s += ","
		}
		s += e.ExternalID
	}
	return s
}
