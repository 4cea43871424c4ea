// Package mqtt publishes controller events to an MQTT broker and receives
// reset commands and pushed sensor readings from it.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/valved/internal/logic"
)

// Topics are derived from a per-controller prefix.
type Topics struct {
	Events string // <prefix>/events
	System string // <prefix>/system
	Reset  string // <prefix>/cmd/reset
	prefix string
}

// NewTopics builds the topic set for prefix.
func NewTopics(prefix string) Topics {
	return Topics{
		Events: prefix + "/events",
		System: prefix + "/system",
		Reset:  prefix + "/cmd/reset",
		prefix: prefix,
	}
}

// Sensor returns the topic a pushed sensor publishes readings on.
func (t Topics) Sensor(name string) string {
	return t.prefix + "/sensor/" + name
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a controller event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Subscriber receives commands and readings from the broker.
type Subscriber interface {
	// SubscribeReset calls fn for every message on the reset topic.
	SubscribeReset(fn func()) error
	// SubscribeReadings calls fn with the raw payload of every message on topic.
	SubscribeReadings(topic string, fn func(payload []byte)) error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Valve ValvePayload `json:"valve"`
}

// ValvePayload contains the controller event details.
type ValvePayload struct {
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// FormatPayload creates the JSON payload for a controller event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Valve: ValvePayload{
			ID:        event.ID,
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
			Event:     string(event.Kind),
			From:      string(event.From),
			To:        string(event.To),
			Decision:  string(event.Decision),
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// readingJSON is what pushed sensors publish. Only raw is required.
type readingJSON struct {
	Timestamp *time.Time `json:"timestamp"`
	Raw       *float64   `json:"raw"`
	Detected  *bool      `json:"detected"`
	Quality   *float64   `json:"quality"`
}

// ParseReading decodes a pushed sensor reading. Missing quality means 1 and
// a missing timestamp means now. hasDetected reports whether the sensor
// classified the reading itself; otherwise the caller applies the threshold.
func ParseReading(payload []byte, source string, now time.Time) (r logic.SensorReading, hasDetected bool, err error) {
	var in readingJSON
	if err := json.Unmarshal(payload, &in); err != nil {
		return r, false, fmt.Errorf("decode reading: %w", err)
	}
	if in.Raw == nil && in.Detected == nil {
		return r, false, errors.New("decode reading: need raw or detected")
	}

	r = logic.SensorReading{Timestamp: now, Quality: 1, Source: source}
	if in.Timestamp != nil {
		r.Timestamp = *in.Timestamp
	}
	if in.Quality != nil {
		r.Quality = *in.Quality
	}
	if in.Raw != nil {
		r.Raw = *in.Raw
	}
	if in.Detected != nil {
		r.Detected = *in.Detected
		hasDetected = true
		if in.Raw == nil && r.Detected {
			r.Raw = 1
		}
	}
	if r.Quality < 0 || r.Quality > 1 {
		return logic.SensorReading{}, false, fmt.Errorf("decode reading: quality %v outside [0,1]", r.Quality)
	}
	return r, hasDetected, nil
}
