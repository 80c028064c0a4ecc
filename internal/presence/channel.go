package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

type Kind string

const (
	KindHello Kind = "hello"
	KindAlive Kind = "leader-alive"
)

// Message is the wire payload. From is the sender's instance id.
type Message struct {
	Kind Kind   `json:"kind"`
	From string `json:"from"`
}

// Channel carries messages between the instances of one group. A member
// also receives its own messages; the coordinator ignores them.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers fn for every message. The returned func removes it.
	Subscribe(fn func(Message)) (func(), error)
}

var errBadMessage = errors.New("presence: malformed message")

func encodeMessage(m Message) ([]byte, error) { return json.Marshal(m) }

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", errBadMessage, err)
	}
	switch m.Kind {
	case KindHello, KindAlive:
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", errBadMessage, m.Kind)
	}
	if m.From == "" {
		return Message{}, fmt.Errorf("%w: missing sender", errBadMessage)
	}
	return m, nil
}

// LocalGroup is an in-process Channel. Publish delivers synchronously to
// every subscriber, outside the group's lock.
type LocalGroup struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]func(Message)
	drop func(Message) bool
}

func NewLocalGroup() *LocalGroup { return &LocalGroup{subs: map[uint64]func(Message){}} }

// SetDrop installs a filter; messages for which fn returns true are lost.
// nil restores lossless delivery.
func (g *LocalGroup) SetDrop(fn func(Message) bool) {
	g.mu.Lock()
	g.drop = fn
	g.mu.Unlock()
}

// Members reports the number of live subscriptions.
func (g *LocalGroup) Members() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (g *LocalGroup) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	if g.drop != nil && g.drop(msg) {
		g.mu.Unlock()
		return nil
	}
	ids := make([]uint64, 0, len(g.subs))
	for id := range g.subs {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.mu.Lock()
		fn := g.subs[id]
		g.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
	return nil
}

func (g *LocalGroup) Subscribe(fn func(Message)) (func(), error) {
	if fn == nil {
		return nil, errors.New("presence: nil handler")
	}
	g.mu.Lock()
	g.seq++
	id := g.seq
	g.subs[id] = fn
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs, id)
			g.mu.Unlock()
		})
	}, nil
}
