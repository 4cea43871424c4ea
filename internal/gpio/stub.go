//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// NewPIRSensor returns an error on non-Linux platforms.
func NewPIRSensor(name, chipName string, pin int, activeLow bool) (*PIRSensor, error) {
	return nil, errUnsupported
}

// NewRelay returns an error on non-Linux platforms.
func NewRelay(chipName string, pin int, activeLow bool, feedbackPin int, feedbackActiveLow bool) (*Relay, error) {
	return nil, errUnsupported
}
