// Package status provides a thread-safe status tracker for the valve daemon.
// The control loop writes it once per tick; HTTP handlers and heartbeat
// publishing read snapshots.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/valved/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	Name        string
	TickMs      int64
	HeartbeatMs int64
	Sensors     []string
	Fusion      string
	Actuator    string
	Broker      string
	HTTPAddr    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	State         logic.State
	Since         time.Time
	Presence      bool
	LastFault     string
	Counts        logic.EventCounts
	Params        logic.Parameters
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	SinkDropped   uint64
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// InState returns how long the controller has been in its current state.
func (s Snapshot) InState() time.Duration {
	if s.Since.IsZero() {
		return 0
	}
	return s.Now.Sub(s.Since)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			State:     logic.StateIdle,
			Since:     startTime,
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update records the controller view. Called from the control loop on every tick.
func (t *Tracker) Update(state logic.State, since time.Time, presence bool, counts logic.EventCounts, lastFault error) {
	t.mu.Lock()
	t.snap.State = state
	t.snap.Since = since
	t.snap.Presence = presence
	t.snap.Counts = counts
	if lastFault != nil {
		t.snap.LastFault = lastFault.Error()
	} else {
		t.snap.LastFault = ""
	}
	t.mu.Unlock()
}

// SetParams records the parameter snapshot in effect.
func (t *Tracker) SetParams(p logic.Parameters) {
	t.mu.Lock()
	t.snap.Params = p
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetSinkDropped records how many events the sink has dropped.
func (t *Tracker) SetSinkDropped(n uint64) {
	t.mu.Lock()
	t.snap.SinkDropped = n
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
