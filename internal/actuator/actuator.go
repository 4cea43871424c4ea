// Package actuator drives the valve/relay and reports command outcomes back
// to the control loop as acks.
package actuator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
)

// Actuator applies commands to the valve. Apply must be idempotent: applying
// the same action twice leaves the valve in that position.
type Actuator interface {
	// Apply blocks until the command is confirmed or ctx expires.
	Apply(ctx context.Context, cmd logic.Command) error
	Close() error
}

// FaultReporter is implemented by actuators that can report faults outside
// of a command, e.g. a feedback line that changes on its own.
type FaultReporter interface {
	Faults() <-chan error
}

// Dispatcher applies commands without blocking the control loop. A single
// worker applies them in dispatch order; a newer command cancels the one in
// flight and replaces any still waiting, so the valve always ends in the
// position last commanded. Outcomes arrive on Results.
type Dispatcher struct {
	act     Actuator
	timeout func() time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu      sync.Mutex
	next    *logic.Command
	running *logic.Command
	cancel  context.CancelFunc

	results chan logic.Ack
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its worker. timeout returns
// the current ack timeout; Apply is cancelled once it passes and no ack is
// sent, leaving the controller's watchdog to raise the fault.
func NewDispatcher(act Actuator, timeout func() time.Duration) *Dispatcher {
	d := &Dispatcher{
		act:     act,
		timeout: timeout,
		now:     time.Now,
		log:     log.With().Str("component", "actuator").Logger(),
		results: make(chan logic.Ack, 16),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.work()
	return d
}

// Results delivers acks for dispatched commands and unsolicited fault reports.
func (d *Dispatcher) Results() <-chan logic.Ack {
	return d.results
}

// Dispatch queues cmd and returns immediately.
func (d *Dispatcher) Dispatch(cmd logic.Command) {
	d.mu.Lock()
	if d.next != nil {
		d.log.Debug().Uint64("command_id", d.next.ID).Uint64("by", cmd.ID).Msg("Queued command superseded")
	}
	if d.cancel != nil {
		d.log.Debug().Uint64("command_id", d.running.ID).Uint64("by", cmd.ID).Msg("Cancelling superseded command")
		d.cancel()
	}
	d.next = &cmd
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for d.applyNext() {
		}
	}
}

// applyNext applies the queued command, if any, and reports whether it did.
func (d *Dispatcher) applyNext() bool {
	d.mu.Lock()
	cmd := d.next
	if cmd == nil {
		d.mu.Unlock()
		return false
	}
	select {
	case <-d.done:
		d.mu.Unlock()
		return false
	default:
	}
	d.next = nil
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout())
	d.running, d.cancel = cmd, cancel
	d.mu.Unlock()

	start := d.now()
	err := d.act.Apply(ctx, *cmd)

	d.mu.Lock()
	d.running, d.cancel = nil, nil
	d.mu.Unlock()
	cancel()

	lg := d.log.With().Uint64("command_id", cmd.ID).Str("action", string(cmd.Action)).Logger()
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		lg.Warn().Dur("waited", d.now().Sub(start)).Msg("Actuator did not confirm before ack timeout")
		return true
	case err != nil && errors.Is(err, context.Canceled):
		lg.Debug().Msg("Command superseded before confirmation")
		return true
	case err != nil:
		lg.Error().Err(err).Msg("Actuator command failed")
	default:
		lg.Debug().Msg("Actuator command confirmed")
	}
	d.send(logic.Ack{CommandID: cmd.ID, OK: err == nil, Err: err, CompletedAt: d.now()})
	return true
}

// Run forwards spontaneous faults from the actuator until ctx is cancelled.
// It returns immediately if the actuator does not report faults.
func (d *Dispatcher) Run(ctx context.Context) {
	fr, ok := d.act.(FaultReporter)
	if !ok {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case err, ok := <-fr.Faults():
			if !ok {
				return
			}
			d.log.Error().Err(err).Msg("Actuator reported fault")
			d.send(logic.Ack{OK: false, Err: err, CompletedAt: d.now(), Unsolicited: true})
		}
	}
}

func (d *Dispatcher) send(ack logic.Ack) {
	select {
	case d.results <- ack:
	case <-d.done:
	}
}

// Close stops the worker, cancelling the command in flight and dropping any
// still queued. The actuator itself is closed by its owner.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		close(d.done)
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
	})
	d.wg.Wait()
}
