// Package supervisor runs the daemon's long-lived loops (bot poller, command
// workers, config watcher, reload) under one cancelable context with panic
// recovery and restart-on-failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"droughtwatch/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg sync.WaitGroup

	mu    sync.Mutex
	err   error
	loops map[string]*loop
	live  int64
}

// LoopStats is a point-in-time view of one named loop.
type LoopStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Started   time.Time `json:"started"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

type loop struct{ LoopStats }

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every loop once any loop fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{log: logx.Nop(), loops: map[string]*loop{}}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.Component("supervisor"))
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Active counts loops that have not returned yet.
func (s *Supervisor) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Err returns the first terminal loop failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Go runs fn once. A panic or an error other than cancellation becomes the
// supervisor's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func(l *loop) {
		if err := s.call(l, fn); err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	})
}

// Go0 is Go for loops that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart runs fn until the context ends, restarting it with jittered
// exponential backoff when it fails or panics. A nil return ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := defaultRestartPolicy()
	for _, o := range opts {
		o(&p)
	}
	s.spawn(name, func(l *loop) {
		b := p.backoff()
		for attempt := 0; ; attempt++ {
			if attempt > 0 {
				s.update(l, func(st *LoopStats) {
					st.Running, st.Started = true, time.Now()
					st.Restarts++
				})
			}
			started := time.Now()
			err := s.call(l, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if time.Since(started) >= p.healthyAfter {
				b.reset()
			}
			if p.maxRestarts > 0 && attempt+1 > p.maxRestarts {
				s.log.Error("loop gave up", logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			wait := b.next()
			s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !sleep(s.ctx, wait) {
				return
			}
		}
	})
}

func (s *Supervisor) spawn(name string, body func(l *loop)) {
	s.mu.Lock()
	l := s.loops[name]
	if l == nil {
		l = &loop{LoopStats{Name: name}}
		s.loops[name] = l
	}
	l.Running, l.Started = true, time.Now()
	s.live++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.update(l, func(st *LoopStats) {
			st.Running = false
			s.live--
		})
		body(l)
	}()
}

// call runs fn once, turning a panic into an error. Cancellation is not
// an error.
func (s *Supervisor) call(l *loop, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop panicked", logx.String("name", l.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
			s.update(l, func(st *LoopStats) { st.Panics++ })
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.update(l, func(st *LoopStats) {
				st.LastErr, st.LastErrAt = err.Error(), time.Now()
			})
		} else {
			err = nil
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) update(l *loop, fn func(st *LoopStats)) {
	s.mu.Lock()
	fn(&l.LoopStats)
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot lists the named loops, running ones first.
func (s *Supervisor) Snapshot() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.LoopStats)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b LoopStats) int {
		if a.Running != b.Running {
			if a.Running {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Stop cancels all loops and waits for them, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
