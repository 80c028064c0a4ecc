// Package clock abstracts the timers used by long-lived coordinators so that
// tests can drive them deterministically.
//
// Production code takes Real(); tests take a *Fake and call Advance.
package clock

import (
	"sync"
	"time"
)

// Clock schedules callbacks. Callbacks run on their own goroutine (Real) or
// synchronously inside Advance (Fake); either way they must not assume the
// caller's locks are held.
type Clock interface {
	Now() time.Time

	// After runs fn once, d from now.
	After(d time.Duration, fn func()) Handle

	// Every runs fn every d until the handle is stopped. The first run
	// happens d from now. d must be positive.
	Every(d time.Duration, fn func()) Handle
}

// Handle cancels a scheduled callback. Stop reports whether the callback
// was still pending. Stopping twice is a no-op.
type Handle interface {
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration, fn func()) Handle {
	return realTimer{t: time.AfterFunc(d, fn)}
}

func (realClock) Every(d time.Duration, fn func()) Handle {
	h := &realTicker{t: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-h.t.C:
				fn()
			}
		}
	}()
	return h
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

type realTicker struct {
	t    *time.Ticker
	once sync.Once
	done chan struct{}
}

func (r *realTicker) Stop() bool {
	stopped := false
	r.once.Do(func() {
		r.t.Stop()
		close(r.done)
		stopped = true
	})
	return stopped
}
