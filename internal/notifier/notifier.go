package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/model"
	"droughtwatch/pkg/logx"
)

var (
	// ErrNotConfigured marks a channel that is enabled but lacks credentials.
	ErrNotConfigured = errors.New("notifier channel not configured")
)

// TopicDelivery carries a Delivery for every channel attempt.
const TopicDelivery = "notifier.delivery"

// Announcement is what gets announced: the new event and the gap it closed
// (nil when it is the first event ever).
type Announcement struct {
	Event model.Event
	Gap   *model.Gap
	// SubscriberCount is shown in the message when positive.
	SubscriberCount int
}

// Channel delivers one rendered announcement.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Message is an announcement rendered for delivery.
type Message struct {
	Announcement
	Rendered
}

// Report summarizes one Dispatch call.
type Report struct {
	Sent    []string
	Skipped []string
	Failed  map[string]error
}

// Delivery is one channel attempt, kept in history and published on the bus.
type Delivery struct {
	Channel    string    `json:"channel"`
	ExternalID string    `json:"external_id"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
}

type Dispatcher struct {
	channels []Channel
	renderer Renderer
	bus      eventbus.Bus
	log      logx.Logger
	timeout  time.Duration

	hmu     sync.Mutex
	history []Delivery
	histMax int
}

type Option func(*Dispatcher)

func WithBus(bus eventbus.Bus) Option        { return func(d *Dispatcher) { d.bus = bus } }
func WithRenderer(r Renderer) Option         { return func(d *Dispatcher) { d.renderer = r } }
func WithSendTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }
func WithLogger(log logx.Logger) Option      { return func(d *Dispatcher) { d.log = log } }

func NewDispatcher(channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		renderer: DefaultRenderer{Creator: "Creator"},
		bus:      eventbus.Nop{},
		log:      logx.Nop(),
		timeout:  30 * time.Second,
		histMax:  50,
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.Component("notifier"))
	return d
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c.Name())
	}
	return out
}

// Dispatch renders a and attempts every channel once. It never returns an
// error: failures are logged and reported.
func (d *Dispatcher) Dispatch(ctx context.Context, a Announcement) Report {
	rep := Report{Failed: map[string]error{}}
	if len(d.channels) == 0 {
		return rep
	}
	r, err := d.renderer.Render(a)
	if err != nil {
		d.log.Error("render announcement failed", logx.String("external_id", a.Event.ExternalID), logx.Err(err))
		for _, c := range d.channels {
			rep.Failed[c.Name()] = err
		}
		return rep
	}
	msg := Message{Announcement: a, Rendered: r}

	for _, c := range d.channels {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := c.Send(sctx, msg)
		cancel()

		del := Delivery{Channel: c.Name(), ExternalID: a.Event.ExternalID, At: time.Now()}
		switch {
		case err == nil:
			rep.Sent = append(rep.Sent, c.Name())
			d.log.Info("announcement sent", logx.String("channel", c.Name()), logx.String("external_id", a.Event.ExternalID))
		case errors.Is(err, ErrNotConfigured):
			del.Skipped = true
			del.Error = err.Error()
			rep.Skipped = append(rep.Skipped, c.Name())
			d.log.Warn("announcement skipped", logx.String("channel", c.Name()), logx.Err(err))
		default:
			del.Error = err.Error()
			rep.Failed[c.Name()] = err
			d.log.Error("announcement failed", logx.String("channel", c.Name()), logx.String("external_id", a.Event.ExternalID), logx.Err(err))
		}
		d.record(del)
	}
	return rep
}

func (d *Dispatcher) record(del Delivery) {
	d.hmu.Lock()
	d.history = append(d.history, del)
	if over := len(d.history) - d.histMax; over > 0 {
		d.history = append([]Delivery(nil), d.history[over:]...)
	}
	d.hmu.Unlock()
	d.bus.Publish(eventbus.Event{Topic: TopicDelivery, Time: del.At, Data: del})
}

// History returns recent deliveries, newest last.
func (d *Dispatcher) History() []Delivery {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]Delivery(nil), d.history...)
}
