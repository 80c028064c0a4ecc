package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"droughtwatch/pkg/logx"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Group       string
	QoS         byte
	// ConnectTimeout bounds DialMQTT. Default 10s.
	ConnectTimeout time.Duration
}

// PresenceTopic is "{prefix}/{group}/presence".
func PresenceTopic(prefix, group string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "droughtwatch"
	}
	group = strings.Trim(strings.TrimSpace(group), "/")
	if group == "" {
		group = "default"
	}
	return prefix + "/" + group + "/presence"
}

const (
	inboxSize = 64
	// publishTimeout bounds one publish when the caller's context has no
	// earlier deadline.
	publishTimeout = 5 * time.Second
)

// MQTTChannel is a Channel over one MQTT topic. Subscribers share a single
// broker subscription. paho's handler only decodes and queues; a separate
// goroutine fans messages out, so subscribers may publish from a callback.
type MQTTChannel struct {
	client         mqtt.Client
	topic          string
	qos            byte
	log            logx.Logger
	publishTimeout time.Duration

	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	mu   sync.Mutex
	seq  uint64
	subs map[uint64]func(Message)
}

// DialMQTT connects to the broker. The caller owns the channel and must
// Close it.
func DialMQTT(cfg MQTTConfig, log logx.Logger) (*MQTTChannel, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("presence: mqtt broker is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("presence: invalid qos %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	var c *MQTTChannel
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(client mqtt.Client) { c.onConnect(client) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warn("mqtt connection lost", logx.Err(err))
	})
	c = newMQTTChannel(mqtt.NewClient(opts), PresenceTopic(cfg.TopicPrefix, cfg.Group), cfg.QoS, log)

	tok := c.client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		c.Close()
		return nil, fmt.Errorf("presence: mqtt connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		c.Close()
		return nil, fmt.Errorf("presence: mqtt connect: %w", err)
	}
	return c, nil
}

func newMQTTChannel(client mqtt.Client, topic string, qos byte, log logx.Logger) *MQTTChannel {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &MQTTChannel{
		client:         client,
		topic:          topic,
		qos:            qos,
		log:            log.With(logx.Component("presence.mqtt")),
		publishTimeout: publishTimeout,
		inbox:          make(chan Message, inboxSize),
		done:           make(chan struct{}),
		subs:           map[uint64]func(Message){},
	}
	go c.deliver()
	return c
}

func (c *MQTTChannel) Topic() string { return c.topic }

// Dropped counts messages discarded because the inbox was full.
func (c *MQTTChannel) Dropped() uint64 { return c.dropped.Load() }

// onConnect restores the topic subscription after a reconnect.
func (c *MQTTChannel) onConnect(client mqtt.Client) {
	c.log.Info("mqtt connected", logx.String("topic", c.topic))
	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()
	if n == 0 {
		return
	}
	// Runs on its own goroutine in paho, so waiting here is allowed.
	if tok := client.Subscribe(c.topic, c.qos, c.onMessage); tok.Wait() && tok.Error() != nil {
		c.log.Error("mqtt resubscribe failed", logx.String("topic", c.topic), logx.Err(tok.Error()))
	}
}

// onMessage is paho's handler. It must not block.
func (c *MQTTChannel) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := decodeMessage(m.Payload())
	if err != nil {
		c.log.Debug("dropping presence message", logx.Err(err))
		return
	}
	select {
	case c.inbox <- msg:
	case <-c.done:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.log.Warn("presence inbox full, message dropped", logx.Uint64("dropped", n))
		}
	}
}

func (c *MQTTChannel) deliver() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbox:
			c.mu.Lock()
			fns := make([]func(Message), 0, len(c.subs))
			for _, fn := range c.subs {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(msg)
			}
		}
	}
}

func (c *MQTTChannel) Publish(ctx context.Context, msg Message) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()
	return wait(ctx, c.client.Publish(c.topic, c.qos, false, payload))
}

func (c *MQTTChannel) Subscribe(fn func(Message)) (func(), error) {
	if fn == nil {
		return nil, errors.New("presence: nil handler")
	}
	c.mu.Lock()
	first := len(c.subs) == 0
	c.seq++
	id := c.seq
	c.subs[id] = fn
	c.mu.Unlock()

	if first {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wait(ctx, c.client.Subscribe(c.topic, c.qos, c.onMessage)); err != nil {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			return nil, fmt.Errorf("presence: subscribe %s: %w", c.topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			last := len(c.subs) == 0
			c.mu.Unlock()
			if last && c.client.IsConnected() {
				c.client.Unsubscribe(c.topic)
			}
		})
	}, nil
}

// Close stops delivery and disconnects from the broker.
func (c *MQTTChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect(250)
	})
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
