package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatMaxLen   = 3500
	chatFieldLen = 600
	chatQueueLen = 256
	chatSendWait = 10 * time.Second
)

// chatSink is a zerolog LevelWriter that forwards records at or above
// minLevel to an operator chat. Records pass a token bucket and a bounded
// queue drained by one goroutine; logging never waits on the chat.
type chatSink struct {
	mu       sync.Mutex
	sender   ChatSender
	minLevel Level
	limiter  *rate.Limiter

	queue   chan string
	dropped atomic.Uint64

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatSink() *chatSink {
	return &chatSink{minLevel: LevelWarn, queue: make(chan string, chatQueueLen)}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(cfg.RatePerSec, 1)
	c.mu.Lock()
	c.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *chatSink) setSender(s ChatSender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

func (c *chatSink) hasSender() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender != nil
}

// start launches the drain goroutine on first use.
func (c *chatSink) start() {
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.mu.Lock()
		c.cancel, c.done = cancel, done
		c.mu.Unlock()
		go c.drain(ctx, done)
	})
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) drain(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendWait)
			_ = sender.SendLog(sctx, text)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	pass := c.sender != nil && c.limiter != nil && level >= c.minLevel && c.limiter.Allow()
	c.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if text := formatChatJSON(p); text != "" {
		select {
		case c.queue <- text:
		default:
			c.dropped.Add(1)
		}
	}
	return len(p), nil
}

// formatChatJSON renders a JSON record as "LEVEL comp: message" followed by
// one "key: value" line per remaining field, sorted by key. Input that is
// not JSON is passed through trimmed.
func formatChatJSON(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &rec); err != nil {
		return truncate(strings.TrimSpace(string(p)), chatMaxLen)
	}
	str := func(k string) string {
		s, _ := rec[k].(string)
		delete(rec, k)
		return s
	}
	level, msg, comp := str(zerolog.LevelFieldName), str(zerolog.MessageFieldName), str("comp")
	delete(rec, zerolog.TimestampFieldName)

	var b strings.Builder
	if level != "" {
		b.WriteString(strings.ToUpper(level) + " ")
	}
	if comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, truncate(fmt.Sprint(rec[k]), chatFieldLen))
	}
	return truncate(b.String(), chatMaxLen)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
