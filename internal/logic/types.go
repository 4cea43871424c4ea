// Package logic contains the pure control logic for the valve controller:
// debounce filter, rule engine and state machine.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"time"
)

// State represents the controller state.
type State string

const (
	StateIdle     State = "IDLE"
	StateOpening  State = "OPENING"
	StateOpen     State = "OPEN"
	StateClosing  State = "CLOSING"
	StateCooldown State = "COOLDOWN"
	StateFault    State = "FAULT"
)

// AllStates lists every controller state in display order.
var AllStates = []State{StateIdle, StateOpening, StateOpen, StateClosing, StateCooldown, StateFault}

// Decision is the output of the rule engine.
type Decision string

const (
	DecisionOpen       Decision = "OPEN"
	DecisionKeep       Decision = "KEEP"
	DecisionClose      Decision = "CLOSE"
	DecisionForceClose Decision = "FORCE_CLOSE"
	DecisionNoop       Decision = "NOOP"
)

// Action is what the actuator is told to do.
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// EventKind classifies an emitted event.
type EventKind string

const (
	EventTransition  EventKind = "TRANSITION"
	EventFault       EventKind = "FAULT"
	EventReset       EventKind = "RESET"
	EventConfigFault EventKind = "CONFIG_FAULT"
)

// Fault causes. Checked with errors.Is on Controller.LastFault.
var (
	ErrSensorTimeout   = errors.New("sensor timeout")
	ErrSensorQuality   = errors.New("sensor quality below floor")
	ErrActuatorFailure = errors.New("actuator failure")
	ErrAckTimeout      = errors.New("actuator ack timeout")
)

// SensorReading is a single sample from a sensor driver.
type SensorReading struct {
	Timestamp time.Time
	Raw       float64 // sensor-specific unit (1/0 for digital inputs)
	Detected  bool
	Quality   float64 // 0.0 (unreachable) .. 1.0
	Source    string
}

// PresenceSignal is the debounced presence output.
type PresenceSignal struct {
	Timestamp time.Time
	Stable    bool
}

// Parameters is an immutable snapshot of timing and threshold configuration.
type Parameters struct {
	DetectThreshold float64
	QualityFloor    float64
	DebounceWindow  time.Duration
	MinOpenTime     time.Duration
	MinCooldownTime time.Duration
	MaxOpenTime     time.Duration
	SensorTimeout   time.Duration
	// AckTimeout bounds the wait for an actuator ack. Zero means SensorTimeout.
	AckTimeout time.Duration
}

// EffectiveAckTimeout returns AckTimeout, or SensorTimeout when unset.
func (p Parameters) EffectiveAckTimeout() time.Duration {
	if p.AckTimeout > 0 {
		return p.AckTimeout
	}
	return p.SensorTimeout
}

// Command is an instruction for the actuator.
type Command struct {
	ID       uint64
	Action   Action
	IssuedAt time.Time
}

// Ack is the actuator's report for a command.
// Unsolicited acks carry spontaneous faults and have no CommandID.
type Ack struct {
	CommandID   uint64
	OK          bool
	Err         error
	CompletedAt time.Time
	Unsolicited bool
}

// Event describes one state transition. Never mutated after emission.
type Event struct {
	ID        string
	Timestamp time.Time
	Kind      EventKind
	From      State
	To        State
	Decision  Decision
	Reason    string
}

// EventCounts tracks counters since startup.
type EventCounts struct {
	Opens          int
	Closes         int
	ForceCloses    int
	Faults         int
	Resets         int
	PresenceEvents int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	State     State
	Counts    EventCounts
}
