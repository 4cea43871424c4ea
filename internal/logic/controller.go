package logic

import (
	"fmt"
	"time"
)

// TickInput is everything the controller looks at in one tick.
type TickInput struct {
	Time time.Time
	// Reading is the most recent reading from the sensor slot, nil if none yet.
	Reading *SensorReading
	// Acks are actuator reports received since the previous tick.
	Acks []Ack
	// Reset requests leaving FAULT. Ignored in any other state.
	Reset bool
	// Params is the snapshot in effect for this tick.
	Params Parameters
}

// TickResult is what one tick produced.
type TickResult struct {
	Signal   PresenceSignal
	Decision Decision
	Command  *Command // at most one
	Event    *Event   // set only when the state changed
}

// Controller is the valve state machine. It owns the controller state and is
// driven exclusively by Tick.
type Controller struct {
	state     State
	enteredAt time.Time
	filter    Debouncer

	startTime     time.Time
	lastReadingTS time.Time
	haveReading   bool
	lastSeen      time.Time // tick time of the last new reading
	lastGood      time.Time // tick time of the last new reading above the quality floor

	pendingID uint64 // command the current OPENING/CLOSING state waits on
	nextID    uint64
	lastFault error

	counts        EventCounts
	lastHeartbeat time.Time
	newID         func() string
}

// NewController creates a controller in IDLE.
// The startTime seeds the sensor watchdog and heartbeat uptime.
func NewController(startTime time.Time) *Controller {
	return &Controller{
		state:         StateIdle,
		enteredAt:     startTime,
		startTime:     startTime,
		lastSeen:      startTime,
		lastGood:      startTime,
		lastHeartbeat: startTime,
	}
}

// SetIDFunc sets the generator used for Event IDs.
func (c *Controller) SetIDFunc(fn func() string) {
	c.newID = fn
}

// Tick runs one read-decide-act cycle. It applies at most one transition and
// returns at most one command and one event.
func (c *Controller) Tick(in TickInput) TickResult {
	p := in.Params
	now := in.Time

	res := TickResult{Signal: c.ingest(in.Reading, now, p), Decision: DecisionNoop}

	if c.state == StateFault {
		if in.Reset {
			c.counts.Resets++
			c.filter.Reset()
			c.lastSeen = now
			c.lastGood = now
			c.pendingID = 0
			c.lastFault = nil
			res.Signal = PresenceSignal{Timestamp: now, Stable: false}
			res.Event = c.enter(StateIdle, now, EventReset, DecisionNoop, "operator reset")
		}
		return res
	}

	for _, a := range in.Acks {
		if a.Unsolicited && a.Err != nil {
			return c.fault(res, now, fmt.Errorf("%w: %v", ErrActuatorFailure, a.Err))
		}
	}

	if err := c.checkSensor(now, p); err != nil {
		return c.fault(res, now, err)
	}

	elapsed := now.Sub(c.enteredAt)

	if c.state == StateOpening || c.state == StateClosing {
		if ack, ok := c.matchAck(in.Acks); ok {
			if !ack.OK {
				return c.fault(res, now, fmt.Errorf("%w: %s: %v", ErrActuatorFailure, c.pendingAction(), ack.Err))
			}
			c.pendingID = 0
			if c.state == StateOpening {
				res.Event = c.enter(StateOpen, now, EventTransition, DecisionNoop, "actuator opened")
			} else {
				res.Event = c.enter(StateCooldown, now, EventTransition, DecisionNoop, "actuator closed")
			}
			return res
		}
		if elapsed >= p.EffectiveAckTimeout() {
			return c.fault(res, now, fmt.Errorf("%w: %s after %v", ErrAckTimeout, c.pendingAction(), elapsed))
		}
	}

	res.Decision = Decide(res.Signal, c.state, elapsed, p)

	switch c.state {
	case StateIdle:
		if res.Decision == DecisionOpen {
			c.open(&res, now, "presence detected")
		}
	case StateCooldown:
		if res.Decision == DecisionOpen {
			c.open(&res, now, "presence detected after cooldown")
		} else if elapsed >= p.MinCooldownTime {
			res.Event = c.enter(StateIdle, now, EventTransition, res.Decision, "cooldown elapsed")
		}
	case StateOpen:
		switch res.Decision {
		case DecisionClose:
			c.close(&res, now, "presence cleared")
		case DecisionForceClose:
			c.close(&res, now, fmt.Sprintf("max open time %v reached", p.MaxOpenTime))
		}
	case StateOpening:
		// The OPEN command is still in flight; its ack will be ignored.
		if res.Decision == DecisionForceClose {
			c.close(&res, now, fmt.Sprintf("max open time %v reached", p.MaxOpenTime))
		}
	case StateClosing:
		// OPEN decisions wait for the close ack and the cooldown that follows.
	}
	return res
}

// ingest updates sensor liveness and the debounce filter.
func (c *Controller) ingest(r *SensorReading, now time.Time, p Parameters) PresenceSignal {
	if r == nil {
		return PresenceSignal{Timestamp: now, Stable: c.filter.Stable()}
	}
	// Quality 0 is how drivers report an unreachable sensor: it counts as no reading.
	if (!c.haveReading || !r.Timestamp.Equal(c.lastReadingTS)) && r.Quality > 0 {
		c.haveReading = true
		c.lastReadingTS = r.Timestamp
		c.lastSeen = now
		if r.Quality >= p.QualityFloor {
			c.lastGood = now
		}
	}
	was := c.filter.Stable()
	sig := c.filter.Filter(*r, now, p)
	if sig.Stable && !was {
		c.counts.PresenceEvents++
	}
	return sig
}

func (c *Controller) checkSensor(now time.Time, p Parameters) error {
	silent := now.Sub(c.lastGood)
	if silent < p.SensorTimeout {
		return nil
	}
	if c.lastSeen.After(c.lastGood) {
		return fmt.Errorf("%w: no reading above quality floor %.2f for %v", ErrSensorQuality, p.QualityFloor, silent)
	}
	return fmt.Errorf("%w: no readings for %v", ErrSensorTimeout, silent)
}

func (c *Controller) matchAck(acks []Ack) (Ack, bool) {
	for _, a := range acks {
		if !a.Unsolicited && a.CommandID == c.pendingID {
			return a, true
		}
	}
	return Ack{}, false
}

func (c *Controller) pendingAction() Action {
	if c.state == StateOpening {
		return ActionOpen
	}
	return ActionClose
}

func (c *Controller) open(res *TickResult, now time.Time, reason string) {
	res.Command = c.issue(ActionOpen, now)
	c.pendingID = res.Command.ID
	c.counts.Opens++
	res.Event = c.enter(StateOpening, now, EventTransition, res.Decision, reason)
}

func (c *Controller) close(res *TickResult, now time.Time, reason string) {
	res.Command = c.issue(ActionClose, now)
	c.pendingID = res.Command.ID
	if res.Decision == DecisionForceClose {
		c.counts.ForceCloses++
	} else {
		c.counts.Closes++
	}
	res.Event = c.enter(StateClosing, now, EventTransition, res.Decision, reason)
}

// fault enters FAULT and issues a single best-effort CLOSE.
func (c *Controller) fault(res TickResult, now time.Time, err error) TickResult {
	c.lastFault = err
	c.counts.Faults++
	c.pendingID = 0
	res.Command = c.issue(ActionClose, now)
	res.Event = c.enter(StateFault, now, EventFault, res.Decision, err.Error())
	return res
}

func (c *Controller) issue(a Action, now time.Time) *Command {
	c.nextID++
	return &Command{ID: c.nextID, Action: a, IssuedAt: now}
}

func (c *Controller) enter(to State, now time.Time, kind EventKind, d Decision, reason string) *Event {
	ev := &Event{
		Timestamp: now,
		Kind:      kind,
		From:      c.state,
		To:        to,
		Decision:  d,
		Reason:    reason,
	}
	if c.newID != nil {
		ev.ID = c.newID()
	}
	c.state = to
	c.enteredAt = now
	return ev
}

// State returns the current controller state.
func (c *Controller) State() State {
	return c.state
}

// EnteredAt returns when the current state was entered.
func (c *Controller) EnteredAt() time.Time {
	return c.enteredAt
}

// Presence returns the current debounced presence.
func (c *Controller) Presence() bool {
	return c.filter.Stable()
}

// LastFault returns the cause of the current fault episode, nil outside FAULT.
func (c *Controller) LastFault() error {
	return c.lastFault
}

// EventCountsSnapshot returns a copy of the counters.
func (c *Controller) EventCountsSnapshot() EventCounts {
	return c.counts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (c *Controller) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if now.Sub(c.lastHeartbeat) < interval {
		return nil
	}
	c.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(c.startTime),
		State:     c.state,
		Counts:    c.counts,
	}
}
