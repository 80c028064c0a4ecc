package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Time stands still until Advance.
//
// Callbacks run synchronously inside Advance, in deadline order, with the
// fake's own lock released, so they may schedule or stop other timers.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	id       uint64
	deadline time.Time
	interval time.Duration
	fn       func()
	stopped  bool
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After with d <= 0 fires on the next Advance call, including Advance(0).
func (f *Fake) After(d time.Duration, fn func()) Handle {
	return f.add(d, 0, fn)
}

func (f *Fake) Every(d time.Duration, fn func()) Handle {
	if d <= 0 {
		panic("clock: non-positive interval for Every")
	}
	return f.add(d, d, fn)
}

func (f *Fake) add(d, interval time.Duration, fn func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d < 0 {
		d = 0
	}
	f.seq++
	w := &fakeWaiter{id: f.seq, deadline: f.now.Add(d), interval: interval, fn: fn}
	f.waiters = append(f.waiters, w)
	return &fakeHandle{f: f, w: w}
}

// Advance moves time forward by d, firing every callback whose deadline is
// reached. Ties fire in scheduling order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.nextDueLocked(target)
		if w == nil {
			break
		}
		if w.deadline.After(f.now) {
			f.now = w.deadline
		}
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
		} else {
			w.stopped = true
		}
		fn := w.fn
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	if target.After(f.now) {
		f.now = target
	}
	f.compactLocked()
	f.mu.Unlock()
}

// Pending reports the number of live timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (f *Fake) nextDueLocked(target time.Time) *fakeWaiter {
	var best *fakeWaiter
	for _, w := range f.waiters {
		if w.stopped || w.deadline.After(target) {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) ||
			(w.deadline.Equal(best.deadline) && w.id < best.id) {
			best = w
		}
	}
	return best
}

func (f *Fake) compactLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(f.waiters); i++ {
		f.waiters[i] = nil
	}
	f.waiters = live
}

type fakeHandle struct {
	f *Fake
	w *fakeWaiter
}

func (h *fakeHandle) Stop() bool {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.w.stopped {
		return false
	}
	h.w.stopped = true
	return true
}
