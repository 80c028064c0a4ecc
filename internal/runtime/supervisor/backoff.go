package supervisor

import (
	"math/rand/v2"
	"time"
)

type restartPolicy struct {
	min, max     time.Duration
	maxRestarts  int
	healthyAfter time.Duration
}

func defaultRestartPolicy() restartPolicy {
	return restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, healthyAfter: 30 * time.Second}
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the delay between restarts. Zero keeps the
// default for that bound.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts (<= 0 means never).
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

func (p restartPolicy) backoff() *backoff {
	return &backoff{min: p.min, max: max(p.max, p.min), cur: p.min}
}

// backoff doubles from min to max and adds up to 20% jitter.
type backoff struct {
	min, max, cur time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur = min(b.cur*2, b.max)
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

func (b *backoff) reset() { b.cur = b.min }
