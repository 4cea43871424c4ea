// Package config loads the valved YAML configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/valved/internal/logic"
)

// Config represents the daemon configuration
type Config struct {
	Name       string           `yaml:"name"`
	Log        LogConfig        `yaml:"log"`
	Loop       LoopConfig       `yaml:"loop"`
	Parameters ParametersConfig `yaml:"parameters"`
	Sensors    []SensorConfig   `yaml:"sensors"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	HTTP       HTTPConfig       `yaml:"http"`
	Sink       SinkConfig       `yaml:"sink"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// LoopConfig contains control loop settings
type LoopConfig struct {
	Tick      Duration `yaml:"tick"`
	Heartbeat Duration `yaml:"heartbeat"` // 0 disables
}

// ParametersConfig is the hot-reloadable timing/threshold section.
type ParametersConfig struct {
	DetectThreshold float64  `yaml:"detect_threshold"`
	QualityFloor    *float64 `yaml:"quality_floor"`
	DebounceWindow  Duration `yaml:"debounce_window"`
	MinOpenTime     Duration `yaml:"min_open_time"`
	MinCooldownTime Duration `yaml:"min_cooldown_time"`
	MaxOpenTime     Duration `yaml:"max_open_time"`
	SensorTimeout   Duration `yaml:"sensor_timeout"`
	AckTimeout      Duration `yaml:"ack_timeout"` // 0 = sensor_timeout
}

// DefaultQualityFloor applies when quality_floor is absent.
const DefaultQualityFloor = 0.5

// Parameters converts the section to a logic snapshot. No validation here;
// that is the parameter store's job.
func (p ParametersConfig) Parameters() logic.Parameters {
	floor := DefaultQualityFloor
	if p.QualityFloor != nil {
		floor = *p.QualityFloor
	}
	return logic.Parameters{
		DetectThreshold: p.DetectThreshold,
		QualityFloor:    floor,
		DebounceWindow:  p.DebounceWindow.Duration(),
		MinOpenTime:     p.MinOpenTime.Duration(),
		MinCooldownTime: p.MinCooldownTime.Duration(),
		MaxOpenTime:     p.MaxOpenTime.Duration(),
		SensorTimeout:   p.SensorTimeout.Duration(),
		AckTimeout:      p.AckTimeout.Duration(),
	}
}

// Sensor kinds
const (
	SensorPIR      = "pir"      // GPIO digital input
	SensorMQTT     = "mqtt"     // readings pushed over MQTT
	SensorScripted = "scripted" // presence intervals, for bench runs
)

// SensorConfig describes one presence sensor
type SensorConfig struct {
	Name      string     `yaml:"name"`
	Kind      string     `yaml:"kind"`
	Chip      string     `yaml:"chip"`
	Pin       int        `yaml:"pin"`
	ActiveLow bool       `yaml:"active_low"`
	Poll      Duration   `yaml:"poll"`
	Topic     string     `yaml:"topic"`   // mqtt: overrides <prefix>/sensor/<name>
	Compare   string     `yaml:"compare"` // "above" (default) or "below" detect_threshold
	Intervals []Interval `yaml:"intervals"`
}

// Interval is a scripted presence window relative to startup.
type Interval struct {
	Start Duration `yaml:"start"`
	End   Duration `yaml:"end"`
}

// FusionConfig selects how multiple sensors combine into one reading
type FusionConfig struct {
	Policy string `yaml:"policy"` // any, all, quorum, lua
	Quorum int    `yaml:"quorum"`
	Script string `yaml:"script"`
}

// Actuator kinds
const (
	ActuatorRelay = "relay" // GPIO output line
	ActuatorLog   = "log"   // console only
)

// ActuatorConfig describes the valve/relay driver
type ActuatorConfig struct {
	Kind              string `yaml:"kind"`
	Chip              string `yaml:"chip"`
	Pin               int    `yaml:"pin"`
	ActiveLow         bool   `yaml:"active_low"`
	FeedbackPin       int    `yaml:"feedback_pin"` // -1 disables
	FeedbackActiveLow bool   `yaml:"feedback_active_low"`
}

// MQTTConfig contains broker settings. Empty broker disables MQTT.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Buffer      int    `yaml:"buffer"` // messages kept while disconnected
}

// KafkaConfig contains the event stream settings. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LedgerConfig contains the audit trail settings. Empty path disables it.
type LedgerConfig struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

// HTTPConfig contains status server settings. Empty addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SinkConfig contains event sink settings
type SinkConfig struct {
	Buffer int `yaml:"buffer"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	for i, s := range cfg.Sensors {
		switch s.Kind {
		case SensorPIR, SensorMQTT, SensorScripted:
		default:
			return nil, fmt.Errorf("sensor %d (%s): unknown kind %q", i, s.Name, s.Kind)
		}
	}
	switch cfg.Actuator.Kind {
	case ActuatorRelay, ActuatorLog:
	default:
		return nil, fmt.Errorf("actuator: unknown kind %q", cfg.Actuator.Kind)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "valve"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Loop defaults
	if cfg.Loop.Tick == 0 {
		cfg.Loop.Tick = Duration(50 * time.Millisecond)
	}

	// Parameter defaults
	p := &cfg.Parameters
	if p.DebounceWindow == 0 {
		p.DebounceWindow = Duration(200 * time.Millisecond)
	}
	if p.MinOpenTime == 0 {
		p.MinOpenTime = Duration(time.Second)
	}
	if p.MinCooldownTime == 0 {
		p.MinCooldownTime = Duration(3 * time.Second)
	}
	if p.MaxOpenTime == 0 {
		p.MaxOpenTime = Duration(30 * time.Second)
	}
	if p.SensorTimeout == 0 {
		p.SensorTimeout = Duration(2 * time.Second)
	}

	// Sensor defaults
	if len(cfg.Sensors) == 0 {
		cfg.Sensors = []SensorConfig{{Name: "pir0", Kind: SensorPIR, Pin: 17}}
	}
	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("sensor%d", i)
		}
		if s.Chip == "" {
			s.Chip = "gpiochip0"
		}
		if s.Poll == 0 {
			s.Poll = cfg.Loop.Tick
		}
		if s.Compare == "" {
			s.Compare = "above"
		}
	}
	if cfg.Fusion.Policy == "" {
		cfg.Fusion.Policy = "any"
	}

	// Actuator defaults
	if cfg.Actuator.Kind == "" {
		cfg.Actuator.Kind = ActuatorRelay
	}
	if cfg.Actuator.Chip == "" {
		cfg.Actuator.Chip = "gpiochip0"
	}
	if cfg.Actuator.Pin == 0 {
		cfg.Actuator.Pin = 27
	}
	if cfg.Actuator.FeedbackPin == 0 {
		cfg.Actuator.FeedbackPin = -1
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "valved-" + cfg.Name
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "valved/" + cfg.Name
	}
	if cfg.MQTT.Buffer == 0 {
		cfg.MQTT.Buffer = 100
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "valved.events"
	}
	if cfg.Ledger.Retention == 0 {
		cfg.Ledger.Retention = Duration(30 * 24 * time.Hour)
	}
	if cfg.Sink.Buffer == 0 {
		cfg.Sink.Buffer = 256
	}
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
