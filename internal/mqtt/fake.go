package mqtt

import (
	"sync"

	"github.com/sweeney/valved/internal/logic"
)

// FakePublisher records published events for test assertions.
// It also acts as a Subscriber; Deliver feeds messages to subscriptions.
type FakePublisher struct {
	mu sync.Mutex

	// Events contains all controller events that were published.
	Events []logic.Event

	// Payloads contains the JSON payloads that were published.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	resetFns []func()
	readings map[string][]func([]byte)
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{readings: make(map[string][]func([]byte))}
}

// Publish records the controller event.
func (f *FakePublisher) Publish(event logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SystemEvents = append(f.SystemEvents, event)
	return nil
}

func (f *FakePublisher) SubscribeReset(fn func()) error {
	f.mu.Lock()
	f.resetFns = append(f.resetFns, fn)
	f.mu.Unlock()
	return nil
}

func (f *FakePublisher) SubscribeReadings(topic string, fn func([]byte)) error {
	f.mu.Lock()
	f.readings[topic] = append(f.readings[topic], fn)
	f.mu.Unlock()
	return nil
}

// DeliverReset simulates a message on the reset topic.
func (f *FakePublisher) DeliverReset() {
	f.mu.Lock()
	fns := append([]func(){}, f.resetFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Deliver simulates a message on topic.
func (f *FakePublisher) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	fns := append([]func([]byte){}, f.readings[topic]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

// EventsSnapshot returns a copy of the published events.
func (f *FakePublisher) EventsSnapshot() []logic.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logic.Event(nil), f.Events...)
}

// SystemSnapshot returns a copy of the published system events.
func (f *FakePublisher) SystemSnapshot() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.SystemEvents...)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}
