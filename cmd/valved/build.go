package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/actuator"
	"github.com/sweeney/valved/internal/config"
	"github.com/sweeney/valved/internal/gpio"
	"github.com/sweeney/valved/internal/kafka"
	"github.com/sweeney/valved/internal/ledger"
	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/metrics"
	"github.com/sweeney/valved/internal/mqtt"
	"github.com/sweeney/valved/internal/params"
	"github.com/sweeney/valved/internal/sensor"
	"github.com/sweeney/valved/internal/sink"
)

// cleanup runs registered close functions in reverse order.
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// sensors is the result of wiring the configured sensors.
type sensors struct {
	latest  sensor.Latest
	names   []string
	pollers []*sensor.Poller
}

// buildSensors creates a slot per configured sensor and combines them with
// the fusion policy when there is more than one. Pushed (mqtt) sensors need
// sub; polled ones get a Poller that the caller runs.
func buildSensors(cfg *config.Config, store *params.Store, sub mqtt.Subscriber, topics mqtt.Topics, done *cleanup) (*sensors, error) {
	out := &sensors{}
	var slots []*sensor.Slot

	for _, sc := range cfg.Sensors {
		slot := &sensor.Slot{}
		switch sc.Kind {
		case config.SensorPIR:
			pir, err := gpio.NewPIRSensor(sc.Name, sc.Chip, sc.Pin, sc.ActiveLow)
			if err != nil {
				return nil, fmt.Errorf("sensor %s: %w", sc.Name, err)
			}
			done.add(func() { pir.Close() })
			out.pollers = append(out.pollers, sensor.NewPoller(sc.Name, pir, slot, sc.Poll.Duration()))

		case config.SensorScripted:
			out.pollers = append(out.pollers, sensor.NewPoller(sc.Name, newScripted(sc), slot, sc.Poll.Duration()))

		case config.SensorMQTT:
			if sub == nil {
				return nil, fmt.Errorf("sensor %s: mqtt sensors need mqtt.broker", sc.Name)
			}
			topic := sc.Topic
			if topic == "" {
				topic = topics.Sensor(sc.Name)
			}
			th := sensor.Threshold{
				Compare:   sensor.ParseCompare(sc.Compare),
				Threshold: func() float64 { return store.Load().DetectThreshold },
			}
			if err := subscribeReadings(sub, topic, sc.Name, slot, th, time.Now); err != nil {
				return nil, fmt.Errorf("sensor %s: %w", sc.Name, err)
			}
		}
		slots = append(slots, slot)
		out.names = append(out.names, sc.Name)
	}

	if len(slots) == 1 {
		out.latest = slots[0]
		return out, nil
	}

	policy, err := buildPolicy(cfg.Fusion, done)
	if err != nil {
		return nil, err
	}
	out.latest = sensor.NewFused(policy, store.Load, time.Now, out.names, slots)
	return out, nil
}

func newScripted(sc config.SensorConfig) *sensor.Scripted {
	intervals := make([]sensor.Interval, 0, len(sc.Intervals))
	for _, iv := range sc.Intervals {
		intervals = append(intervals, sensor.Interval{Start: iv.Start.Duration(), End: iv.End.Duration()})
	}
	return sensor.NewScripted(sc.Name, intervals)
}

// subscribeReadings stores every reading pushed on topic into slot. Readings
// that do not classify themselves go through th.
func subscribeReadings(sub mqtt.Subscriber, topic, name string, slot *sensor.Slot, th sensor.Threshold, now func() time.Time) error {
	lg := log.With().Str("component", "sensor").Str("sensor", name).Logger()
	lg.Info().Str("topic", topic).Msg("Subscribing to pushed readings")
	return sub.SubscribeReadings(topic, func(payload []byte) {
		r, classified, err := mqtt.ParseReading(payload, name, now())
		if err != nil {
			lg.Warn().Err(err).Msg("Discarding malformed reading")
			return
		}
		if !classified {
			r = th.Apply(r)
		}
		slot.Store(r)
	})
}

func buildPolicy(fc config.FusionConfig, done *cleanup) (sensor.Policy, error) {
	if fc.Policy != "lua" {
		p, err := sensor.ParsePolicy(fc.Policy, fc.Quorum)
		if err != nil {
			return nil, fmt.Errorf("fusion: %w", err)
		}
		return p, nil
	}
	if fc.Script == "" {
		return nil, errors.New("fusion: lua policy needs fusion.script")
	}
	src, err := os.ReadFile(fc.Script)
	if err != nil {
		return nil, fmt.Errorf("fusion: read script: %w", err)
	}
	p, err := sensor.NewLuaPolicy(string(src))
	if err != nil {
		return nil, fmt.Errorf("fusion: %w", err)
	}
	done.add(p.Close)
	return p, nil
}

// buildActuator creates the configured valve driver.
func buildActuator(ac config.ActuatorConfig) (actuator.Actuator, error) {
	switch ac.Kind {
	case config.ActuatorLog:
		return actuator.NewLog(), nil
	case config.ActuatorRelay:
		r, err := gpio.NewRelay(ac.Chip, ac.Pin, ac.ActiveLow, ac.FeedbackPin, ac.FeedbackActiveLow)
		if err != nil {
			return nil, fmt.Errorf("actuator: %w", err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("actuator: unknown kind %q", ac.Kind)
}

// sinks is the event fan-out plus the ledger handle, which also serves
// /events and pruning.
type sinks struct {
	async  *sink.Async
	ledger *ledger.Ledger
}

// buildSink fans events out to the log and every configured transport.
// pub may be nil when MQTT is disabled.
func buildSink(ctx context.Context, cfg *config.Config, pub mqtt.Publisher, m *metrics.Metrics, done *cleanup) (*sinks, error) {
	out := &sinks{async: sink.NewAsync(cfg.Sink.Buffer)}
	out.async.Add("log", sink.LogEmitter{})

	if pub != nil {
		out.async.Add("mqtt", sink.EmitterFunc(func(_ context.Context, e logic.Event) error {
			return pub.Publish(e)
		}))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		k := kafka.NewEmitter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Name)
		out.async.Add("kafka", k)
		done.add(func() {
			if err := k.Close(); err != nil {
				log.Warn().Err(err).Msg("Close kafka writer")
			}
		})
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka event stream enabled")
	}

	if cfg.Ledger.Path != "" {
		l, err := ledger.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		out.ledger = l
		out.async.Add("ledger", l)
		done.add(func() {
			if err := l.Close(); err != nil {
				log.Warn().Err(err).Msg("Close ledger")
			}
		})
		log.Info().Str("path", cfg.Ledger.Path).Dur("retention", cfg.Ledger.Retention.Duration()).Msg("Event ledger enabled")
	}

	out.async.OnDrop(m.SinkDropped)
	out.async.OnError(m.SinkError)
	out.async.Start()
	// Runs first on shutdown, flushing before the destinations close.
	done.add(out.async.Close)
	return out, nil
}
