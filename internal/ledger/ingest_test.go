package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"droughtwatch/internal/model"
	"droughtwatch/internal/notifier"
	"droughtwatch/internal/source"
	"droughtwatch/internal/storage"
	"droughtwatch/pkg/logx"
)

type stubSource struct {
	items []model.Candidate
	err   error
	pages []source.Page
	// failPage makes FetchPage fail on that zero-based call.
	failPage int
	calls    int
}

func (s *stubSource) FetchRecent(context.Context, int) ([]model.Candidate, error) {
	return s.items, s.err
}

func (s *stubSource) FetchPage(_ context.Context, _ int, _ string) (source.Page, error) {
	n := s.calls
	s.calls++
	if s.failPage >= 0 && n == s.failPage {
		return source.Page{}, fmt.Errorf("%w: status 503", source.ErrUnavailable)
	}
	if n >= len(s.pages) {
		return source.Page{}, nil
	}
	return s.pages[n], nil
}

type recordingAnnouncer struct{ got []notifier.Announcement }

func (r *recordingAnnouncer) Dispatch(_ context.Context, a notifier.Announcement) notifier.Report {
	r.got = append(r.got, a)
	return notifier.Report{Sent: []string{"test"}}
}

type fixedCount int

func (f fixedCount) CountSubscribers(context.Context) (int, error) { return int(f), nil }

func TestPollAnnouncesLatestOnce(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t)
	src := &stubSource{items: []model.Candidate{cand("c", 3*time.Hour), cand("a", 0), cand("b", time.Hour)}}
	ann := &recordingAnnouncer{}
	ing := NewIngestor(src, b, ann, 10, logx.Nop())
	ing.SetSubscriberCounter(fixedCount(42))

	res, err := ing.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(res.Inserted) != 3 || len(ann.got) != 1 {
		t.Fatalf("inserted %d, announcements %d", len(res.Inserted), len(ann.got))
	}
	a := ann.got[0]
	if a.Event.ExternalID != "c" || a.Gap == nil || a.Gap.Duration() != 2*time.Hour || a.SubscriberCount != 42 {
		t.Fatalf("announcement = %+v gap=%+v", a, a.Gap)
	}

	if _, err := ing.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(ann.got) != 1 {
		t.Fatalf("second poll announced again: %d", len(ann.got))
	}
}

func TestPollSourceFailureWritesNothing(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	ann := &recordingAnnouncer{}
	src := &stubSource{items: []model.Candidate{cand("a", 0)}, err: fmt.Errorf("%w: timeout", source.ErrUnavailable)}

	_, err := NewIngestor(src, b, ann, 10, logx.Nop()).Poll(context.Background())
	if !errors.Is(err, source.ErrUnavailable) {
		t.Fatalf("Poll() error = %v, want ErrUnavailable", err)
	}
	if s, _ := st.Stats(context.Background()); s.Events != 0 || len(ann.got) != 0 {
		t.Fatalf("stats = %+v, announcements = %d", s, len(ann.got))
	}
}

func TestPollLateOnlyDoesNotAnnounce(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	ctx := context.Background()
	if _, err := b.Reconcile(ctx, []model.Candidate{cand("a", 0), cand("c", 4*time.Hour)}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	ann := &recordingAnnouncer{}
	res, err := NewIngestor(&stubSource{items: []model.Candidate{cand("b", time.Hour)}}, b, ann, 10, logx.Nop()).Poll(ctx)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Late != 1 || len(ann.got) != 0 {
		t.Fatalf("res = %+v, announcements = %d", res, len(ann.got))
	}
	if g, _ := st.GapByEnd(ctx, "b"); g == nil {
		t.Fatal("late event should get its gap from the repair walk")
	}
}

func TestBackfillPartition(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	src := &stubSource{failPage: -1, pages: []source.Page{
		{Items: []model.Candidate{cand("e", 4*time.Hour), cand("d", 3*time.Hour)}, NextPageToken: "p2"},
		{Items: []model.Candidate{cand("c", 2*time.Hour), cand("b", time.Hour), cand("a", 0)}},
	}}
	bf := NewBackfiller(src, b, logx.Nop())
	rep, err := bf.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Pages != 2 || rep.Fetched != 5 || rep.EventsAdded != 5 || rep.GapsAdded != 4 {
		t.Fatalf("report = %+v", rep)
	}
	s, _ := st.Stats(context.Background())
	if s.Events != 5 || s.Gaps != 4 {
		t.Fatalf("stats = %+v, want 5 events and 4 gaps", s)
	}

	rep, err = bf.Run(context.Background())
	if err != nil || rep.EventsAdded != 0 || rep.GapsAdded != 0 {
		t.Fatalf("second Run() = %+v, %v", rep, err)
	}
}

func TestBackfillFirstPageFailureAborts(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	_, err := NewBackfiller(&stubSource{failPage: 0}, b, logx.Nop()).Run(context.Background())
	if !errors.Is(err, source.ErrUnavailable) {
		t.Fatalf("Run() error = %v", err)
	}
	if s, _ := st.Stats(context.Background()); s.Events != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestBackfillLaterPageFailureKeepsFetched(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t)
	src := &stubSource{failPage: 1, pages: []source.Page{
		{Items: []model.Candidate{cand("b", time.Hour), cand("a", 0)}, NextPageToken: "p2"},
	}}
	rep, err := NewBackfiller(src, b, logx.Nop()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rep.Truncated || rep.EventsAdded != 2 || rep.GapsAdded != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

type blockingPages struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPages) FetchPage(ctx context.Context, _ int, _ string) (source.Page, error) {
	close(b.entered)
	<-b.release
	return source.Page{}, nil
}

func TestBackfillRejectsConcurrentRun(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t)
	src := &blockingPages{entered: make(chan struct{}), release: make(chan struct{})}
	bf := NewBackfiller(src, b, logx.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := bf.Run(context.Background())
		done <- err
	}()
	<-src.entered
	if _, err := bf.Run(context.Background()); !errors.Is(err, ErrBackfillRunning) {
		t.Fatalf("concurrent Run() error = %v, want ErrBackfillRunning", err)
	}
	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
}

// gapFailOnce fails the first InsertGap, as if the process died between the
// event write and its gap.
type gapFailOnce struct {
	storage.Ledger
	failed bool
}

func (g *gapFailOnce) InsertGap(ctx context.Context, gap model.Gap) (bool, error) {
	if !g.failed {
		g.failed = true
		return false, errors.New("interrupted before gap insert")
	}
	return g.Ledger.InsertGap(ctx, gap)
}

func TestPollRestoresGapLostToFailedReconcile(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	b := NewBuilder(&gapFailOnce{Ledger: st}, WithNow(func() time.Time { return base.Add(1000 * time.Hour) }))
	ing := NewIngestor(&stubSource{items: []model.Candidate{cand("b", time.Hour), cand("a", 0)}}, b, nil, 10, logx.Nop())
	ctx := context.Background()

	if _, err := ing.Poll(ctx); err == nil {
		t.Fatal("first Poll() should report the interrupted reconcile")
	}
	if g, _ := st.GapByEnd(ctx, "b"); g != nil {
		t.Fatalf("gap unexpectedly present after failure: %+v", g)
	}
	if _, err := ing.Poll(ctx); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	g, err := st.GapByEnd(ctx, "b")
	if err != nil || g == nil {
		t.Fatalf("GapByEnd(b) = %+v, %v; want the gap restored", g, err)
	}
	if g.StartEventID != "a" || g.Duration() != time.Hour {
		t.Fatalf("restored gap = %+v", g)
	}
}

func TestPollRepairsOrphanLeftByEarlierProcess(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t)
	ctx := context.Background()
	for _, c := range []model.Candidate{cand("a", 0), cand("b", time.Hour)} {
		if _, err := st.InsertEvent(ctx, c.Event(base)); err != nil {
			t.Fatalf("InsertEvent() error = %v", err)
		}
	}
	ing := NewIngestor(&stubSource{items: []model.Candidate{cand("b", time.Hour)}}, b, nil, 10, logx.Nop())
	if _, err := ing.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if g, _ := st.GapByEnd(ctx, "b"); g == nil {
		t.Fatal("first poll after start should fill the missing gap")
	}
}
