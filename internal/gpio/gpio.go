// Package gpio provides the presence input and relay output on Linux GPIO
// character devices.
// The pin logic works on the Line interface so it can be tested with FakeLine;
// real.go binds it to go-gpiocdev.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/valved/internal/logic"
)

// Line is the subset of a requested GPIO line the drivers use.
// *gpiocdev.Line satisfies it.
type Line interface {
	Value() (int, error)
	SetValue(value int) error
	Close() error
}

// level returns the raw value for a logical state.
func level(on, activeLow bool) int {
	if on != activeLow {
		return 1
	}
	return 0
}

// PIRSensor reads a digital presence input.
type PIRSensor struct {
	name      string
	line      Line
	activeLow bool
	now       func() time.Time
	close     func() error
}

// NewPIRSensorOnLine wraps an already requested input line.
func NewPIRSensorOnLine(name string, line Line, activeLow bool) *PIRSensor {
	return &PIRSensor{name: name, line: line, activeLow: activeLow, now: time.Now, close: line.Close}
}

// Read returns the input level as a full-quality reading.
func (p *PIRSensor) Read() (logic.SensorReading, error) {
	v, err := p.line.Value()
	if err != nil {
		return logic.SensorReading{}, fmt.Errorf("read %s: %w", p.name, err)
	}
	detected := (v == 1) != p.activeLow
	r := logic.SensorReading{Timestamp: p.now(), Detected: detected, Quality: 1, Source: p.name}
	if detected {
		r.Raw = 1
	}
	return r, nil
}

// Close releases the line.
func (p *PIRSensor) Close() error {
	return p.close()
}

// ErrFeedbackMismatch is reported when the feedback input disagrees with
// the commanded valve position.
var ErrFeedbackMismatch = errors.New("relay feedback mismatch")

// Relay drives the valve through an output line. With a feedback line the
// command is only confirmed once feedback reports the commanded position.
type Relay struct {
	out         Line
	outLow      bool
	feedback    Line // nil when absent
	feedbackLow bool
	poll        time.Duration
	close       func() error

	mu       sync.Mutex
	busy     bool
	expected *bool
	faults   chan error
}

// NewRelayOnLines wraps already requested lines. feedback may be nil.
func NewRelayOnLines(out Line, activeLow bool, feedback Line, feedbackActiveLow bool) *Relay {
	r := &Relay{
		out:         out,
		outLow:      activeLow,
		feedback:    feedback,
		feedbackLow: feedbackActiveLow,
		poll:        10 * time.Millisecond,
		faults:      make(chan error, 1),
	}
	r.close = r.closeLines
	return r
}

// Apply drives the output. It is idempotent.
func (r *Relay) Apply(ctx context.Context, cmd logic.Command) error {
	open := cmd.Action == logic.ActionOpen

	r.mu.Lock()
	r.busy = true
	r.expected = &open
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	if err := r.out.SetValue(level(open, r.outLow)); err != nil {
		return fmt.Errorf("set relay %s: %w", cmd.Action, err)
	}
	if r.feedback == nil {
		return nil
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		got, err := r.feedbackOpen()
		if err != nil {
			return err
		}
		if got == open {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("relay %s unconfirmed: %w", cmd.Action, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Relay) feedbackOpen() (bool, error) {
	v, err := r.feedback.Value()
	if err != nil {
		return false, fmt.Errorf("read relay feedback: %w", err)
	}
	return (v == 1) != r.feedbackLow, nil
}

// Faults reports feedback changes that happen outside of a command.
func (r *Relay) Faults() <-chan error {
	return r.faults
}

// Watch polls the feedback line between commands until ctx is cancelled.
// A mismatch is reported once per episode.
func (r *Relay) Watch(ctx context.Context, interval time.Duration) {
	if r.feedback == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reported := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		busy, expected := r.busy, r.expected
		r.mu.Unlock()
		if busy || expected == nil {
			continue
		}

		got, err := r.feedbackOpen()
		if err == nil && got == *expected {
			reported = false
			continue
		}
		if reported {
			continue
		}
		if err == nil {
			err = fmt.Errorf("%w: feedback open=%v, commanded open=%v", ErrFeedbackMismatch, got, *expected)
		}
		select {
		case r.faults <- err:
			reported = true
		default:
		}
	}
}

// Close drives the valve closed and releases the lines.
func (r *Relay) Close() error {
	return r.close()
}

func (r *Relay) closeLines() error {
	var errs []error
	if err := r.out.SetValue(level(false, r.outLow)); err != nil {
		errs = append(errs, fmt.Errorf("drive relay closed: %w", err))
	}
	if err := r.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close relay line: %w", err))
	}
	if r.feedback != nil {
		if err := r.feedback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close feedback line: %w", err))
		}
	}
	return errors.Join(errs...)
}
