package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the ledger and presence components. The scheduler
// and notifier define their own.
const (
	TopicEventStored   = "ledger.event"
	TopicGapStored     = "ledger.gap"
	TopicBackfillDone  = "ledger.backfill"
	TopicPresenceState = "presence.state"
)

// Event is a small in-process signal.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe receives events matching any of patterns: an exact topic or
	// a prefix ending in ".*" ("ledger.*"). No patterns means every topic.
	Subscribe(buffer int, patterns ...string) (ch <-chan Event, unsubscribe func())
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch       chan Event
	patterns []string
}

func (s *subscriber) matches(topic string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(topic, prefix) {
				return true
			}
		} else if p == topic {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// Publish delivers under the read lock, so unsubscribe (which closes the
// channel under the write lock) never races a send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.matches(e.Topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, patterns ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 1)), patterns: patterns}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

// Dropped reports how many deliveries were lost to full subscriber buffers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
