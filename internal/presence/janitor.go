package presence

import (
	"context"
	"fmt"
	"time"

	"droughtwatch/internal/clock"
	"droughtwatch/pkg/logx"
)

// Registry is the viewer-heartbeat side of storage used for bookkeeping.
type Registry interface {
	PurgeStaleHeartbeats(ctx context.Context, olderThan time.Time) (int, error)
	CountActiveViewers(ctx context.Context, since time.Time) (int, error)
}

// Sweep is the outcome of one janitor run.
type Sweep struct {
	Purged int `json:"purged"`
	Active int `json:"active"`
}

// Janitor removes heartbeats older than StaleAfter and counts those seen
// within ActiveWithin.
type Janitor struct {
	reg          Registry
	clock        clock.Clock
	StaleAfter   time.Duration
	ActiveWithin time.Duration
	log          logx.Logger
}

func NewJanitor(reg Registry, clk clock.Clock, staleAfter, activeWithin time.Duration, log logx.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real()
	}
	if staleAfter <= 0 {
		staleAfter = 4 * DefaultTimings().Heartbeat
	}
	if activeWithin <= 0 {
		activeWithin = time.Minute
	}
	return &Janitor{
		reg:          reg,
		clock:        clk,
		StaleAfter:   staleAfter,
		ActiveWithin: activeWithin,
		log:          log.With(logx.Component("presence.janitor")),
	}
}

func (j *Janitor) Run(ctx context.Context) (Sweep, error) {
	var s Sweep
	now := j.clock.Now().UTC()
	n, err := j.reg.PurgeStaleHeartbeats(ctx, now.Add(-j.StaleAfter))
	if err != nil {
		return s, fmt.Errorf("purge stale heartbeats: %w", err)
	}
	s.Purged = n
	if s.Active, err = j.ActiveViewers(ctx); err != nil {
		return s, err
	}
	if s.Purged > 0 {
		j.log.Info("stale viewers purged", logx.Int("purged", s.Purged), logx.Int("active", s.Active))
	} else {
		j.log.Debug("viewer sweep", logx.Int("active", s.Active))
	}
	return s, nil
}

func (j *Janitor) ActiveViewers(ctx context.Context) (int, error) {
	n, err := j.reg.CountActiveViewers(ctx, j.clock.Now().UTC().Add(-j.ActiveWithin))
	if err != nil {
		return 0, fmt.Errorf("count active viewers: %w", err)
	}
	return n, nil
}
