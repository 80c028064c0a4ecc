package eventbus

import "testing"

func TestTopicFilter(t *testing.T) {
	t.Parallel()
	b := New()
	gaps, unsubGaps := b.Subscribe(4, TopicGapStored)
	defer unsubGaps()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Topic: TopicEventStored, Data: "e1"})
	b.Publish(Event{Topic: TopicGapStored, Data: "g1"})

	if got := (<-gaps).Data; got != "g1" {
		t.Fatalf("gap subscriber got %v", got)
	}
	select {
	case e := <-gaps:
		t.Fatalf("unexpected extra event %v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("wildcard subscriber has %d events, want 2", len(all))
	}
	e := <-all
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Topic: "x"})
	b.Publish(Event{Topic: "x"})
	if Dropped(b) != 1 {
		t.Fatalf("Dropped() = %d, want 1", Dropped(b))
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Topic: "after"})
}

func TestPrefixPattern(t *testing.T) {
	t.Parallel()
	b := New()
	ledger, unsub := b.Subscribe(4, "ledger.*")
	defer unsub()

	b.Publish(Event{Topic: TopicGapStored})
	b.Publish(Event{Topic: TopicPresenceState})
	b.Publish(Event{Topic: TopicBackfillDone})

	if len(ledger) != 2 {
		t.Fatalf("prefix subscriber has %d events, want 2", len(ledger))
	}
	if e := <-ledger; e.Topic != TopicGapStored {
		t.Fatalf("first event topic = %q", e.Topic)
	}
}
