package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("exec: database is locked (5)"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tc := range tests {
		if got := isTransient(tc.err); got != tc.want {
			t.Fatalf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryOp(t *testing.T) {
	t.Parallel()
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

	calls := 0
	err := retryOp(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("retryOp = %v after %d calls", err, calls)
	}

	calls = 0
	perm := errors.New("syntax error")
	if err := retryOp(context.Background(), cfg, func() error { calls++; return perm }); !errors.Is(err, perm) || calls != 1 {
		t.Fatalf("non-transient: err=%v calls=%d", err, calls)
	}

	calls = 0
	if err := retryOp(context.Background(), cfg, func() error { calls++; return errors.New("SQLITE_LOCKED") }); err == nil || calls != 4 {
		t.Fatalf("exhausted: err=%v calls=%d", err, calls)
	}
}
