//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// NewPIRSensor requests pin on chip as an input with pull-down.
func NewPIRSensor(name, chipName string, pin int, activeLow bool) (*PIRSensor, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	// Pull-down matches Pi boot defaults so an unplugged sensor reads inactive.
	line, err := chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request sensor pin %d: %w", pin, err)
	}

	s := NewPIRSensorOnLine(name, line, activeLow)
	s.close = func() error {
		var errs []error
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sensor pin: %w", err))
		}
		if err := chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		return errors.Join(errs...)
	}
	return s, nil
}

// NewRelay requests pin as an output starting closed, and feedbackPin as an
// input when it is >= 0.
func NewRelay(chipName string, pin int, activeLow bool, feedbackPin int, feedbackActiveLow bool) (*Relay, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	out, err := chip.RequestLine(pin, gpiocdev.AsOutput(level(false, activeLow)))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request relay pin %d: %w", pin, err)
	}

	var fb *gpiocdev.Line
	if feedbackPin >= 0 {
		fb, err = chip.RequestLine(feedbackPin, gpiocdev.AsInput, gpiocdev.WithPullDown)
		if err != nil {
			out.Close()
			chip.Close()
			return nil, fmt.Errorf("request feedback pin %d: %w", feedbackPin, err)
		}
	}

	var r *Relay
	if fb != nil {
		r = NewRelayOnLines(out, activeLow, fb, feedbackActiveLow)
	} else {
		r = NewRelayOnLines(out, activeLow, nil, false)
	}

	r.close = func() error {
		var errs []error
		if err := out.SetValue(level(false, activeLow)); err != nil {
			errs = append(errs, fmt.Errorf("drive relay closed: %w", err))
		}
		// Leave the pin as an input with pull-down (Pi boot default) so the
		// relay board does not hold it during the next boot.
		if err := out.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure relay pin: %w", err))
		}
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay pin: %w", err))
		}
		if fb != nil {
			if err := fb.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close feedback pin: %w", err))
			}
		}
		if err := chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		return errors.Join(errs...)
	}
	return r, nil
}
