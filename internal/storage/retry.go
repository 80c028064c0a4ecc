package storage

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// Transient SQLite errors (BUSY, LOCKED, IOERR_SHORT_READ) can survive
// busy_timeout under WAL contention, e.g. when the CLI and the daemon share
// a database file. Writes retry them with jittered backoff.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetry = retryConfig{maxRetries: 3, baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range []string{
		"SQLITE_BUSY", "SQLITE_LOCKED", "IOERR_SHORT_READ",
		"database is locked", "database table is locked",
		"(5)", "(6)", "(522)",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isTransient(err) || attempt >= cfg.maxRetries {
			return err
		}
		delay := min(cfg.baseDelay<<uint(attempt), cfg.maxDelay)
		if cfg.baseDelay > 0 {
			delay += time.Duration(rand.Int63n(int64(cfg.baseDelay)))
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
