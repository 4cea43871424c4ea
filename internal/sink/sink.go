// Package sink fans controller events out to the event log, MQTT, Kafka and
// the ledger without ever blocking the control loop.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/ring"
)

// Emitter delivers one event to a destination.
type Emitter interface {
	Emit(ctx context.Context, e logic.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e logic.Event) error

func (f EmitterFunc) Emit(ctx context.Context, e logic.Event) error { return f(ctx, e) }

type destination struct {
	name string
	e    Emitter
}

// Async queues events in a bounded buffer and delivers them from its own
// goroutine. When the buffer is full the oldest event is dropped.
type Async struct {
	mu    sync.Mutex
	buf   *ring.Buffer[logic.Event]
	dests []destination

	dropped atomic.Uint64
	onDrop  func()
	onError func(dest string)

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	timeout time.Duration
	log     zerolog.Logger
}

// NewAsync creates a sink holding up to capacity undelivered events.
func NewAsync(capacity int) *Async {
	return &Async{
		buf:     ring.New[logic.Event](capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		timeout: 5 * time.Second,
		log:     log.With().Str("component", "sink").Logger(),
	}
}

// Add registers a destination. Must be called before Start.
func (a *Async) Add(name string, e Emitter) {
	a.dests = append(a.dests, destination{name: name, e: e})
}

// OnDrop registers a callback run for every dropped event.
func (a *Async) OnDrop(fn func()) { a.onDrop = fn }

// OnError registers a callback run when a destination fails.
func (a *Async) OnError(fn func(dest string)) { a.onError = fn }

// Send queues e. It never blocks.
func (a *Async) Send(e logic.Event) {
	a.mu.Lock()
	dropped := a.buf.Push(e)
	a.mu.Unlock()
	if dropped {
		if a.dropped.Add(1) == 1 {
			a.log.Warn().Int("capacity", a.buf.Cap()).Msg("Event buffer full, dropping oldest")
		}
		if a.onDrop != nil {
			a.onDrop()
		}
	}

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of events dropped because the buffer was full.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Pending returns the number of queued events.
func (a *Async) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

func (a *Async) take() []logic.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Drain()
}

// Start launches the delivery goroutine.
func (a *Async) Start() {
	go a.run()
}

func (a *Async) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.notify:
			a.deliver(a.take())
		case <-a.done:
			a.deliver(a.take())
			return
		}
	}
}

func (a *Async) deliver(events []logic.Event) {
	for _, e := range events {
		for _, d := range a.dests {
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			err := d.e.Emit(ctx, e)
			cancel()
			if err != nil {
				a.log.Error().Err(err).Str("dest", d.name).Str("event", string(e.Kind)).Msg("Event delivery failed")
				if a.onError != nil {
					a.onError(d.name)
				}
			}
		}
	}
}

// Close flushes queued events and stops the delivery goroutine.
func (a *Async) Close() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	<-a.stopped
}
