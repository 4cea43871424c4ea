package mqtt

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/ring"
)

// SystemQueue publishes system events from its own goroutine so callers never
// wait on the broker. When full, the oldest queued event is dropped.
type SystemQueue struct {
	pub Publisher
	log zerolog.Logger

	mu      sync.Mutex
	buf     *ring.Buffer[SystemEvent]
	dropped atomic.Uint64

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewSystemQueue starts a queue in front of pub holding up to capacity events.
func NewSystemQueue(pub Publisher, capacity int) *SystemQueue {
	q := &SystemQueue{
		pub:     pub,
		log:     log.With().Str("component", "mqtt").Logger(),
		buf:     ring.New[SystemEvent](capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// PublishSystem queues e and returns immediately.
func (q *SystemQueue) PublishSystem(e SystemEvent) error {
	q.mu.Lock()
	dropped := q.buf.Push(e)
	q.mu.Unlock()
	if dropped && q.dropped.Add(1) == 1 {
		q.log.Warn().Int("capacity", q.buf.Cap()).Msg("System event queue full, dropping oldest")
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dropped returns the number of events dropped because the queue was full.
func (q *SystemQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close publishes whatever is still queued and stops the queue. Events
// queued after Close are never published.
func (q *SystemQueue) Close() {
	q.once.Do(func() { close(q.done) })
	<-q.stopped
}

func (q *SystemQueue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.notify:
			q.flush()
		case <-q.done:
			q.flush()
			return
		}
	}
}

func (q *SystemQueue) flush() {
	q.mu.Lock()
	events := q.buf.Drain()
	q.mu.Unlock()
	for _, e := range events {
		if err := q.pub.PublishSystem(e); err != nil {
			q.log.Warn().Err(err).Str("event", e.Event).Msg("System event publish failed")
		}
	}
}
