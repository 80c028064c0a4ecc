package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		kind   Kind
		every  time.Duration
		spec   string
		source string
	}{
		{"*/5 * * * *", KindCron, 0, "*/5 * * * *", "cron"},
		{"0 */2 * * * *", KindCron, 0, "0 */2 * * * *", "cron"},
		{"@hourly", KindCron, 0, "@hourly", "cron"},
		{"cron:@daily", KindCron, 0, "@daily", "cron"},
		{"1m", KindInterval, time.Minute, "@every 1m0s", "duration"},
		{"  2h30m ", KindInterval, 150 * time.Minute, "@every 2h30m0s", "duration"},
		{"00:05", KindInterval, 5 * time.Minute, "@every 5m0s", "hhmm"},
		{"interval:01:30", KindInterval, 90 * time.Minute, "@every 1h30m0s", "hhmm"},
		{"EVERY: 10s", KindInterval, 10 * time.Second, "@every 10s", "duration"},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Every != tc.every || got.Spec() != tc.spec || got.Source != tc.source {
			t.Fatalf("ParseSchedule(%q) = %+v (spec %q)", tc.in, got, got.Spec())
		}
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "soon", "-1m", "0s", "00:00", "01:75", "cron:", "interval:"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", in)
		}
	}
}

func TestStartupSpreadFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, jitter := withStartupSpread(time.Minute, 10*time.Second, now, "ingest")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter = %s, want [0,10s)", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first run = %s, want %s", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != time.Minute {
		t.Fatalf("second run %s after first, want 1m", second.Sub(first))
	}

	plain, j := withStartupSpread(time.Minute, 0, now, "ingest")
	if j != 0 {
		t.Fatalf("jitter with spread disabled = %s", j)
	}
	if got := plain.Next(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("plain Next = %s", got)
	}
}
