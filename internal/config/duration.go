package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration ("90s", "1m30s").
// A bare integer is taken as seconds. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		s = strconv.FormatInt(n, 10) + "s"
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with zero mapped to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is for values already checked by Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

// PresenceTimings are the coordinator and janitor durations after parsing.
type PresenceTimings struct {
	Election     time.Duration
	Decay        time.Duration
	Heartbeat    time.Duration
	Alive        time.Duration
	StaleAfter   time.Duration
	ActiveWithin time.Duration
}

func (p PresenceConfig) Timings() PresenceTimings {
	return PresenceTimings{
		Election:     MustDuration(p.ElectionTimeout, 200*time.Millisecond),
		Decay:        MustDuration(p.DecayTimeout, 10*time.Second),
		Heartbeat:    MustDuration(p.HeartbeatInterval, 30*time.Second),
		Alive:        MustDuration(p.AliveInterval, 5*time.Second),
		StaleAfter:   MustDuration(p.StaleAfter, 120*time.Second),
		ActiveWithin: MustDuration(p.ActiveWithin, 60*time.Second),
	}
}
