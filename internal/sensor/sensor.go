// Package sensor normalizes presence sensors into single readings that the
// control loop picks up from a most-recent-reading slot.
// Hardware drivers live in internal/gpio; pushed readings come from internal/mqtt.
package sensor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
)

// Sensor produces presence readings.
type Sensor interface {
	// Read returns the current reading. Drivers that cannot reach the
	// hardware return an error; the poller turns it into a Quality=0 reading.
	Read() (logic.SensorReading, error)

	// Close releases the sensor.
	Close() error
}

// Latest is anything the control loop can take the newest reading from.
type Latest interface {
	// Load returns the newest reading, or nil if none has arrived yet.
	Load() *logic.SensorReading
}

// Slot holds the most recent reading. Writers replace it atomically;
// readers get a consistent copy, possibly stale, never torn.
type Slot struct {
	p atomic.Pointer[logic.SensorReading]
}

// Store replaces the reading in the slot.
func (s *Slot) Store(r logic.SensorReading) {
	s.p.Store(&r)
}

// Load returns a copy of the newest reading, or nil.
func (s *Slot) Load() *logic.SensorReading {
	r := s.p.Load()
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Poller reads a Sensor at a fixed interval into a Slot.
type Poller struct {
	name     string
	sensor   Sensor
	slot     *Slot
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
	failing  bool
}

// NewPoller creates a poller for s writing into slot.
func NewPoller(name string, s Sensor, slot *Slot, interval time.Duration) *Poller {
	return &Poller{
		name:     name,
		sensor:   s,
		slot:     slot,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "sensor").Str("sensor", name).Logger(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll performs one read and stores the result.
func (p *Poller) Poll() {
	now := p.now()
	r, err := p.sensor.Read()
	if err != nil {
		if !p.failing {
			p.log.Error().Err(err).Msg("Sensor read failed, reporting zero quality")
			p.failing = true
		}
		p.slot.Store(logic.SensorReading{Timestamp: now, Quality: 0, Source: p.name})
		return
	}
	if p.failing {
		p.log.Info().Msg("Sensor recovered")
		p.failing = false
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.Source == "" {
		r.Source = p.name
	}
	p.slot.Store(r)
}

// Compare selects how an analog raw value is turned into presence.
type Compare int

const (
	// Above: present when raw >= threshold (IR intensity, PIR level).
	Above Compare = iota
	// Below: present when raw <= threshold (ToF or ultrasonic distance).
	Below
)

// ParseCompare maps "above"/"below" to a Compare. Unknown values mean Above.
func ParseCompare(s string) Compare {
	if s == "below" {
		return Below
	}
	return Above
}

// Normalize sets r.Detected from r.Raw and the detect threshold.
func Normalize(r logic.SensorReading, cmp Compare, threshold float64) logic.SensorReading {
	if cmp == Below {
		r.Detected = r.Raw <= threshold
	} else {
		r.Detected = r.Raw >= threshold
	}
	return r
}

// Threshold classifies analog readings against the live detect threshold.
type Threshold struct {
	Compare   Compare
	Threshold func() float64
}

// Apply sets r.Detected from r.Raw using the current threshold.
func (t Threshold) Apply(r logic.SensorReading) logic.SensorReading {
	return Normalize(r, t.Compare, t.Threshold())
}
