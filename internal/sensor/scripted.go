package sensor

import (
	"errors"
	"sync"
	"time"

	"github.com/sweeney/valved/internal/logic"
)

// Interval is a presence window relative to the sensor's start time.
// Presence is reported for Start <= t < End.
type Interval struct {
	Start time.Duration
	End   time.Duration
}

// Scripted reports presence from a list of intervals. Used for bench runs
// without hardware.
type Scripted struct {
	name      string
	start     time.Time
	intervals []Interval
	now       func() time.Time
}

// NewScripted creates a scripted sensor starting now.
func NewScripted(name string, intervals []Interval) *Scripted {
	return &Scripted{name: name, start: time.Now(), intervals: intervals, now: time.Now}
}

// Read reports whether now falls in any interval.
func (s *Scripted) Read() (logic.SensorReading, error) {
	now := s.now()
	t := now.Sub(s.start)
	r := logic.SensorReading{Timestamp: now, Quality: 1, Source: s.name}
	for _, iv := range s.intervals {
		if iv.Start <= t && t < iv.End {
			r.Detected = true
			r.Raw = 1
			break
		}
	}
	return r, nil
}

func (s *Scripted) Close() error { return nil }

// Fake is a test double that returns scripted readings.
type Fake struct {
	mu sync.Mutex

	// Samples are returned in order; the last one repeats once exhausted.
	Samples []logic.SensorReading

	// ReadError, if set, is returned by Read.
	ReadError error

	Closed bool

	index int
}

// NewFake creates a Fake with the given samples.
func NewFake(samples ...logic.SensorReading) *Fake {
	return &Fake{Samples: samples}
}

// Read returns the next sample.
func (f *Fake) Read() (logic.SensorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return logic.SensorReading{}, f.ReadError
	}
	if len(f.Samples) == 0 {
		return logic.SensorReading{}, errors.New("no samples configured")
	}
	s := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return s, nil
}

// SetError sets or clears the read error.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	f.ReadError = err
	f.mu.Unlock()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}
