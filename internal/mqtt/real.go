package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
)

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Buffer      int // messages kept while disconnected
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	topics Topics
	log    zerolog.Logger

	mu   sync.Mutex
	buf  *offlineBuffer
	subs map[string]paho.MessageHandler
}

// NewRealPublisher creates a publisher connected to the given broker.
// The broker being unreachable at startup is not an error: the client keeps
// retrying and buffers until it connects.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.Buffer <= 0 {
		o.Buffer = 100
	}
	p := &RealPublisher{
		topics: NewTopics(o.TopicPrefix),
		log:    log.With().Str("component", "mqtt").Logger(),
		buf:    newOfflineBuffer(o.Buffer),
		subs:   make(map[string]paho.MessageHandler),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(p.topics.System, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn().Err(err).Msg("Connection lost, buffering")
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		p.log.Warn().Str("broker", o.Broker).Msg("Broker not reachable yet, will keep retrying")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect replays buffered messages and restores subscriptions.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	pending := p.buf.replay()
	dropped := p.buf.dropped
	subs := make(map[string]paho.MessageHandler, len(p.subs))
	for t, h := range p.subs {
		subs[t] = h
	}
	p.mu.Unlock()

	p.log.Info().Int("replay", len(pending)).Uint64("dropped_total", dropped).Msg("Connected to broker")
	for topic, h := range subs {
		if tok := c.Subscribe(topic, 1, h); tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
			p.log.Error().Err(tok.Error()).Str("topic", topic).Msg("Resubscribe failed")
		}
	}
	for _, m := range pending {
		tok := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
			p.log.Warn().Str("topic", m.topic).Msg("Replay failed, re-buffering")
			p.mu.Lock()
			p.buf.push(m)
			p.mu.Unlock()
		}
	}
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	msg := bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Publish sends a controller event to the events topic.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: a missed FAULT matters.
	return p.publish(p.topics.Events, 1, false, payload)
}

// PublishSystem sends a system lifecycle event to the system topic.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(p.topics.System, 1, event.Retained, payload)
}

// SubscribeReset calls fn for every message on the reset topic.
func (p *RealPublisher) SubscribeReset(fn func()) error {
	return p.subscribe(p.topics.Reset, func(_ paho.Client, _ paho.Message) { fn() })
}

// SubscribeReadings calls fn with every payload published on topic.
func (p *RealPublisher) SubscribeReadings(topic string, fn func(payload []byte)) error {
	return p.subscribe(topic, func(_ paho.Client, m paho.Message) { fn(m.Payload()) })
}

func (p *RealPublisher) subscribe(topic string, h paho.MessageHandler) error {
	p.mu.Lock()
	p.subs[topic] = h
	p.mu.Unlock()

	if !p.client.IsConnectionOpen() {
		return nil // onConnect subscribes
	}
	tok := p.client.Subscribe(topic, 1, h)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
