// Package scheduler runs named jobs on cron or fixed-interval triggers
// (robfig/cron). A job never overlaps itself: a tick that arrives while the
// previous run is still in flight is skipped and recorded as such.
package scheduler
