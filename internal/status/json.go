package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event          string     `json:"event,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Name           string     `json:"name"`
	State          string     `json:"state"`
	Since          string     `json:"since"`
	InStateSeconds float64    `json:"in_state_seconds"`
	Presence       bool       `json:"presence"`
	LastFault      string     `json:"last_fault,omitempty"`
	UptimeSeconds  int64      `json:"uptime_seconds"`
	StartTime      string     `json:"start_time"`
	Timestamp      string     `json:"timestamp"`
	MQTT           MQTTStatus `json:"mqtt"`
	SinkDropped    uint64     `json:"sink_dropped"`
	Counts         CountsJSON `json:"event_counts"`
	Params         ParamsJSON `json:"parameters"`
	Config         ConfigJSON `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Opens          int `json:"opens"`
	Closes         int `json:"closes"`
	ForceCloses    int `json:"force_closes"`
	Faults         int `json:"faults"`
	Resets         int `json:"resets"`
	PresenceEvents int `json:"presence_events"`
}

// ParamsJSON is the parameter snapshot in effect, durations in milliseconds.
type ParamsJSON struct {
	DetectThreshold   float64 `json:"detect_threshold"`
	QualityFloor      float64 `json:"quality_floor"`
	DebounceWindowMs  int64   `json:"debounce_window_ms"`
	MinOpenTimeMs     int64   `json:"min_open_time_ms"`
	MinCooldownTimeMs int64   `json:"min_cooldown_time_ms"`
	MaxOpenTimeMs     int64   `json:"max_open_time_ms"`
	SensorTimeoutMs   int64   `json:"sensor_timeout_ms"`
	AckTimeoutMs      int64   `json:"ack_timeout_ms"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs      int64    `json:"tick_ms"`
	HeartbeatMs int64    `json:"heartbeat_ms"`
	Sensors     []string `json:"sensors"`
	Fusion      string   `json:"fusion"`
	Actuator    string   `json:"actuator"`
	HTTPAddr    string   `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	state := string(snap.State)
	if state == "" {
		state = "UNKNOWN"
	}
	p := snap.Params

	return StatusInner{
		Name:           snap.Config.Name,
		State:          state,
		Since:          snap.Since.UTC().Format(time.RFC3339),
		InStateSeconds: snap.InState().Truncate(time.Millisecond).Seconds(),
		Presence:       snap.Presence,
		LastFault:      snap.LastFault,
		UptimeSeconds:  int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:      snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:      snap.Now.UTC().Format(time.RFC3339),
		MQTT:           MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		SinkDropped:    snap.SinkDropped,
		Counts: CountsJSON{
			Opens:          snap.Counts.Opens,
			Closes:         snap.Counts.Closes,
			ForceCloses:    snap.Counts.ForceCloses,
			Faults:         snap.Counts.Faults,
			Resets:         snap.Counts.Resets,
			PresenceEvents: snap.Counts.PresenceEvents,
		},
		Params: ParamsJSON{
			DetectThreshold:   p.DetectThreshold,
			QualityFloor:      p.QualityFloor,
			DebounceWindowMs:  p.DebounceWindow.Milliseconds(),
			MinOpenTimeMs:     p.MinOpenTime.Milliseconds(),
			MinCooldownTimeMs: p.MinCooldownTime.Milliseconds(),
			MaxOpenTimeMs:     p.MaxOpenTime.Milliseconds(),
			SensorTimeoutMs:   p.SensorTimeout.Milliseconds(),
			AckTimeoutMs:      p.EffectiveAckTimeout().Milliseconds(),
		},
		Config: ConfigJSON{
			TickMs:      snap.Config.TickMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Sensors:     snap.Config.Sensors,
			Fusion:      snap.Config.Fusion,
			Actuator:    snap.Config.Actuator,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
