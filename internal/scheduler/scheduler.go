package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"droughtwatch/internal/eventbus"
	"droughtwatch/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrBusy is returned by RunNow when the job is already running.
	ErrBusy = errors.New("scheduler: job already running")
)

type Config struct {
	Enabled        bool
	Timezone       string // IANA name; empty means local time
	HistorySize    int
	DefaultTimeout time.Duration
	// StartupSpread caps the random delay added to the first run of each
	// interval job. 0 disables it.
	StartupSpread time.Duration
}

type JobInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Running  bool
	Next     time.Time
	Prev     time.Time
	Runs     int
	Failures int
	Skips    int
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Jobs     []JobInfo
	History  []HistoryItem
}

// cronParser accepts 5- and 6-field specs plus @descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service owns the job table and, while started, one cron instance.
type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	hist history

	mu   sync.Mutex
	cfg  Config
	jobs map[string]*job
	// active is nil while stopped or disabled.
	active *trigger
}

// trigger is a running cron bound to one location. Jobs started by it run
// under ctx.
type trigger struct {
	cron   *cron.Cron
	loc    *time.Location
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:  cfg,
		jobs: make(map[string]*job),
		log:  log.With(logx.Component("scheduler")),
		bus:  bus,
	}
}

// Add registers (or replaces) a named job. timeout 0 means the default.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("scheduler: name required")
	case fn == nil:
		return errors.New("scheduler: nil job")
	}
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if sc.Kind == KindCron {
		if _, err := cronParser.Parse(sc.Cron); err != nil {
			return fmt.Errorf("scheduler: %s: %w", name, err)
		}
	}

	j := &job{name: name, sched: sc, timeout: timeout, fn: fn}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	s.jobs[name] = j
	if s.active != nil {
		s.scheduleLocked(s.active, j)
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", sc.Spec()))
	return nil
}

// Remove unregisters name. It reports whether the job existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked(name)
}

func (s *Service) dropLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.active != nil && j.entry != 0 {
		s.active.cron.Remove(j.entry)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || !s.cfg.Enabled {
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	t := s.launchLocked(tctx, cancel)
	s.log.Info("scheduler started", logx.String("tz", t.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// launchLocked builds a cron in the configured location and schedules every
// job on it.
func (s *Service) launchLocked(ctx context.Context, cancel context.CancelFunc) *trigger {
	loc := s.location(s.cfg.Timezone)
	t := &trigger{
		cron:   cron.New(cron.WithParser(cronParser), cron.WithLocation(loc)),
		loc:    loc,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, j := range s.jobs {
		s.scheduleLocked(t, j)
	}
	t.cron.Start()
	s.active = t
	return t
}

// detachLocked forgets the active trigger without stopping it.
func (s *Service) detachLocked() *trigger {
	t := s.active
	s.active = nil
	for _, j := range s.jobs {
		j.entry = 0
	}
	return t
}

// Stop halts triggering, cancels running jobs and waits for them (bounded
// by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	t := s.detachLocked()
	s.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	select {
	case <-t.cron.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
}

// Apply swaps the config. A timezone change moves every job to a new cron
// in the new location; running jobs keep their context.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	sameTZ := strings.TrimSpace(s.cfg.Timezone) == strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.active == nil || sameTZ {
		s.mu.Unlock()
		return
	}
	old := s.detachLocked()
	s.mu.Unlock()

	// In-flight jobs need s.mu to finish, so wait unlocked.
	<-old.cron.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || old.ctx.Err() != nil {
		return
	}
	t := s.launchLocked(old.ctx, old.cancel)
	s.log.Info("scheduler restarted", logx.String("tz", t.loc.String()))
}

func (s *Service) scheduleLocked(t *trigger, j *job) {
	fire := cron.FuncJob(func() { _ = s.run(t.ctx, j.name, "schedule") })
	if every := j.sched.Every; every > 0 {
		sched, jitter := withStartupSpread(every, s.cfg.StartupSpread, time.Now().In(t.loc), j.name)
		j.entry = t.cron.Schedule(sched, fire)
		if jitter > 0 {
			s.log.Debug("startup spread", logx.String("name", j.name), logx.Duration("jitter", jitter))
		}
		return
	}
	id, err := t.cron.AddJob(j.sched.Spec(), fire)
	if err != nil {
		s.log.Error("job register failed", logx.String("name", j.name), logx.String("spec", j.sched.Spec()), logx.Err(err))
		return
	}
	j.entry = id
}

// Snapshot reports jobs sorted by name plus the recent run history.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if s.active != nil {
		snap.Timezone = s.active.loc.String()
	}
	snap.Jobs = make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := j.info()
		if s.active != nil && j.entry != 0 {
			e := s.active.cron.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	s.mu.Unlock()

	slices.SortFunc(snap.Jobs, func(a, b JobInfo) int { return strings.Compare(a.Name, b.Name) })
	snap.History = s.hist.list()
	return snap
}

func (s *Service) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local time", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
