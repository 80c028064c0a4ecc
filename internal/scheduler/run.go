package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"droughtwatch/internal/eventbus"
	"droughtwatch/pkg/logx"
)

// TopicRun carries a HistoryItem for every finished or skipped run.
const TopicRun = "scheduler.run"

// slowRun promotes completion logs from debug to info.
const slowRun = 750 * time.Millisecond

type job struct {
	name    string
	sched   Schedule
	timeout time.Duration
	fn      func(ctx context.Context) error
	entry   cron.EntryID

	busy                  bool
	runs, failures, skips int
}

func (j *job) info() JobInfo {
	return JobInfo{
		Name: j.name, Spec: j.sched.Spec(), Timeout: j.timeout, Running: j.busy,
		Runs: j.runs, Failures: j.failures, Skips: j.skips,
	}
}

// RunNow runs name on the caller's goroutine, outside its schedule. It
// returns ErrBusy instead of overlapping a running instance.
func (s *Service) RunNow(ctx context.Context, name string) error {
	return s.run(ctx, name, "manual")
}

// claim marks name busy and returns what the run needs. A busy job counts
// a skip instead.
func (s *Service) claim(name string) (j *job, timeout time.Duration, histSize int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	histSize = s.cfg.HistorySize
	j, ok := s.jobs[name]
	switch {
	case !ok:
		return nil, 0, histSize, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	case j.busy:
		j.skips++
		return j, 0, histSize, ErrBusy
	}
	j.busy = true
	timeout = j.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	return j, timeout, histSize, nil
}

func (s *Service) run(ctx context.Context, name, trigger string) error {
	started := time.Now()
	j, timeout, histSize, err := s.claim(name)
	if j == nil {
		return err
	}
	item := HistoryItem{Name: name, Trigger: trigger, Started: started}
	if err != nil {
		s.log.Debug("run skipped, previous still in flight", logx.String("name", name), logx.String("trigger", trigger))
		item.Skipped = true
		s.finish(item, histSize)
		return err
	}

	err = s.invoke(ctx, name, timeout, j.fn)
	item.Duration = time.Since(started)

	s.mu.Lock()
	j.busy = false
	j.runs++
	if err != nil {
		j.failures++
	}
	s.mu.Unlock()

	logAt := s.log.Debug
	if item.Duration >= slowRun {
		logAt = s.log.Info
	}
	if err != nil {
		item.Error = err.Error()
		logAt = s.log.Warn
	}
	logAt("job finished", logx.String("name", name), logx.Duration("dur", item.Duration), logx.Err(err))
	s.finish(item, histSize)
	return err
}

// invoke calls fn under an optional deadline. A panic becomes an error
// carrying the panic value.
func (s *Service) invoke(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx)
}

func (s *Service) finish(item HistoryItem, size int) {
	s.hist.add(item, size)
	s.bus.Publish(eventbus.Event{Topic: TopicRun, Time: item.Started, Data: item})
}
