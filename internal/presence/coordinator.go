package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"droughtwatch/internal/clock"
	"droughtwatch/internal/eventbus"
	"droughtwatch/pkg/logx"
)

var ErrStopped = errors.New("presence: coordinator stopped")

// HeartbeatWriter is the registry side the leader writes to.
type HeartbeatWriter interface {
	UpsertHeartbeat(ctx context.Context, visitorID string, at time.Time) error
}

type Timings struct {
	Election  time.Duration
	Decay     time.Duration
	Heartbeat time.Duration
	Alive     time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Election:  200 * time.Millisecond,
		Decay:     10 * time.Second,
		Heartbeat: 30 * time.Second,
		Alive:     5 * time.Second,
	}
}

// StateChange is published on the bus when the phase changes.
type StateChange struct {
	Instance string `json:"instance"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type Coordinator struct {
	// id is fixed at construction; m.self is a copy the machine compares with.
	id        string
	ch        Channel
	reg       HeartbeatWriter
	visitorID string
	clock     clock.Clock
	t         Timings
	bus       eventbus.Bus
	log       logx.Logger

	mu          sync.Mutex
	m           machine
	election    clock.Handle
	decay       clock.Handle
	heartbeat   clock.Handle
	alive       clock.Handle
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option    { return func(co *Coordinator) { co.clock = c } }
func WithTimings(t Timings) Option      { return func(co *Coordinator) { co.t = t } }
func WithInstanceID(id string) Option   { return func(co *Coordinator) { co.id = id } }
func WithBus(bus eventbus.Bus) Option   { return func(co *Coordinator) { co.bus = bus } }
func WithLogger(log logx.Logger) Option { return func(co *Coordinator) { co.log = log } }

// NewCoordinator prepares an instance. ch is owned by the caller; reg may be
// nil, in which case the leader only announces itself.
func NewCoordinator(ch Channel, reg HeartbeatWriter, visitorID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:        ch,
		reg:       reg,
		visitorID: visitorID,
		clock:     clock.Real(),
		t:         DefaultTimings(),
		bus:       eventbus.Nop{},
		log:       logx.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.m.self = c.id
	def := DefaultTimings()
	if c.t.Election <= 0 {
		c.t.Election = def.Election
	}
	if c.t.Decay <= 0 {
		c.t.Decay = def.Decay
	}
	if c.t.Heartbeat <= 0 {
		c.t.Heartbeat = def.Heartbeat
	}
	if c.t.Alive <= 0 {
		c.t.Alive = def.Alive
	}
	c.log = c.log.With(logx.Component("presence"), logx.String("instance", c.id))
	return c
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.state
}

// Start subscribes to the channel, says hello and opens the election window.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	unsub, err := c.ch.Subscribe(c.onMessage)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.cancel()
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.unsubscribe = unsub
	c.mu.Unlock()

	c.feed(input{kind: inStart})
	return nil
}

// Stop cancels every timer, stops the leader loops and drops the
// subscription. No handoff message is sent; followers notice through decay.
func (c *Coordinator) Stop() {
	c.feed(input{kind: inStop})

	c.mu.Lock()
	c.stopped = true
	unsub := c.unsubscribe
	c.unsubscribe = nil
	cancel := c.cancel
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) onMessage(msg Message) {
	switch msg.Kind {
	case KindHello:
		c.feed(input{kind: inHello, from: msg.From})
	case KindAlive:
		c.feed(input{kind: inAlive, from: msg.From})
	}
}

// feed runs one transition. Timers are armed and stopped under the lock so
// a stale phase can never arm one; everything else runs after unlocking.
func (c *Coordinator) feed(in input) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	prev := c.m.state
	next, effs := transition(c.m, in)
	c.m = next
	deferred := effs[:0:0]
	for _, e := range effs {
		switch e.kind {
		case effArmElection:
			stop(&c.election)
			gen := e.gen
			c.election = c.clock.After(c.t.Election, func() { c.feed(input{kind: inElectionTimeout, gen: gen}) })
		case effCancelElection:
			stop(&c.election)
		case effArmDecay:
			stop(&c.decay)
			gen := e.gen
			c.decay = c.clock.After(c.t.Decay, func() { c.feed(input{kind: inDecayTimeout, gen: gen}) })
		case effCancelDecay:
			stop(&c.decay)
		case effStartLeader:
			stop(&c.heartbeat)
			stop(&c.alive)
			gen := e.gen
			c.heartbeat = c.clock.Every(c.t.Heartbeat, func() { c.feed(input{kind: inHeartbeatTick, gen: gen}) })
			c.alive = c.clock.Every(c.t.Alive, func() { c.feed(input{kind: inAliveTick, gen: gen}) })
		case effStopLeader:
			stop(&c.heartbeat)
			stop(&c.alive)
		default:
			deferred = append(deferred, e)
		}
	}
	cur := c.m.state
	ctx := c.ctx
	c.mu.Unlock()

	if cur != prev {
		c.log.Info("presence state changed", logx.String("from", prev.String()), logx.String("to", cur.String()))
		c.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicPresenceState,
			Data:  StateChange{Instance: c.id, From: prev.String(), To: cur.String()},
		})
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, e := range deferred {
		switch e.kind {
		case effPublishHello:
			c.publish(ctx, KindHello)
		case effPublishAlive:
			c.publish(ctx, KindAlive)
		case effWriteHeartbeat:
			c.writeHeartbeat(ctx)
		}
	}
}

func stop(h *clock.Handle) {
	if *h != nil {
		(*h).Stop()
		*h = nil
	}
}

func (c *Coordinator) publish(ctx context.Context, kind Kind) {
	if err := c.ch.Publish(ctx, Message{Kind: kind, From: c.id}); err != nil {
		c.log.Debug("presence publish failed", logx.String("kind", string(kind)), logx.Err(err))
	}
}

func (c *Coordinator) writeHeartbeat(ctx context.Context) {
	if c.reg == nil || c.visitorID == "" {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.reg.UpsertHeartbeat(wctx, c.visitorID, c.clock.Now().UTC()); err != nil {
		c.log.Warn("heartbeat write failed", logx.Err(err))
		return
	}
	c.log.Trace("heartbeat written", logx.String("visitor_id", c.visitorID))
}
