// Command valved drives a valve or relay from proximity sensors and publishes
// its state changes to MQTT, Kafka and a local event ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/actuator"
	"github.com/sweeney/valved/internal/config"
	"github.com/sweeney/valved/internal/gpio"
	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/metrics"
	"github.com/sweeney/valved/internal/mqtt"
	"github.com/sweeney/valved/internal/params"
	"github.com/sweeney/valved/internal/sensor"
	"github.com/sweeney/valved/internal/status"
	"github.com/sweeney/valved/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "valved.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "valved.yaml", "Path to configuration file (shorthand)")
	printState := flag.Bool("print-state", false, "Print one reading per sensor and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	if *printState {
		if err := printSensors(os.Stdout, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to read sensors")
		}
		return
	}

	log.Info().Str("config", configPath).Str("name", cfg.Name).Msg("Starting valved")
	if err := run(cfg, configPath); err != nil {
		log.Fatal().Err(err).Msg("Fatal")
	}
}

func setupLogging(level string, useJSON bool, colors bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(cfg *config.Config, configPath string) error {
	var done cleanup
	defer done.run()

	store, err := params.NewStore(cfg.Parameters.Parameters())
	if err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	m := metrics.New()

	// MQTT is optional. The interfaces stay nil when it is disabled.
	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
	var (
		publisher mqtt.Publisher
		sub       mqtt.Subscriber
		conn      mqtt.ConnectionStatus
		queue     *mqtt.SystemQueue
	)
	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Buffer:      cfg.MQTT.Buffer,
		})
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		done.add(func() { pub.Close() })
		publisher, sub, conn = pub, pub, pub
		queue = mqtt.NewSystemQueue(pub, cfg.MQTT.Buffer)
		done.add(queue.Close)
	}

	sens, err := buildSensors(cfg, store, sub, topics, &done)
	if err != nil {
		return err
	}

	act, err := buildActuator(cfg.Actuator)
	if err != nil {
		return err
	}
	done.add(func() {
		if err := act.Close(); err != nil {
			log.Error().Err(err).Msg("Close actuator")
		}
	})
	disp := actuator.NewDispatcher(act, func() time.Duration { return store.Load().EffectiveAckTimeout() })
	done.add(disp.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done.add(cancel)

	sk, err := buildSink(ctx, cfg, publisher, m, &done)
	if err != nil {
		return err
	}

	ctrl := logic.NewController(time.Now())
	ctrl.SetIDFunc(uuid.NewString)

	fusion := "single"
	if len(sens.names) > 1 {
		fusion = cfg.Fusion.Policy
	}
	tracker := status.NewTracker(time.Now(), status.Config{
		Name:        cfg.Name,
		TickMs:      cfg.Loop.Tick.Duration().Milliseconds(),
		HeartbeatMs: cfg.Loop.Heartbeat.Duration().Milliseconds(),
		Sensors:     sens.names,
		Fusion:      fusion,
		Actuator:    cfg.Actuator.Kind,
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
	})
	tracker.SetParams(store.Load())

	resetCh := make(chan struct{}, 1)
	requestReset := func() {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}
	if sub != nil {
		if err := sub.SubscribeReset(requestReset); err != nil {
			log.Warn().Err(err).Msg("Reset topic subscription failed")
		}
	}

	l := &loop{
		ctrl:      ctrl,
		reading:   sens.latest,
		params:    store,
		source:    params.FileSource{Path: configPath},
		act:       disp,
		events:    sk.async,
		system:    publisher,
		conn:      conn,
		tracker:   tracker,
		metrics:   m,
		heartbeat: cfg.Loop.Heartbeat.Duration(),
		retention: cfg.Ledger.Retention.Duration(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if sk.ledger != nil {
		l.ledger = sk.ledger
	}
	if queue != nil {
		l.queue = queue
	}

	if cfg.HTTP.Addr != "" {
		opts := web.Options{Tracker: tracker, Reset: requestReset, Metrics: m}
		if sk.ledger != nil {
			opts.Events = sk.ledger
		}
		srv := web.New(cfg.HTTP.Addr, opts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("HTTP server error")
			}
		}()
		done.add(func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		})
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP status server listening")
	}

	for _, p := range sens.pollers {
		go p.Run(ctx)
	}
	go disp.Run(ctx)
	if relay, ok := act.(*gpio.Relay); ok {
		go relay.Watch(ctx, cfg.Loop.Tick.Duration())
	}

	l.publishSystem(mqtt.SystemEvent{
		Timestamp:  time.Now(),
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: l.statusPayload("STARTUP", ""),
	})

	log.Info().
		Dur("tick", cfg.Loop.Tick.Duration()).
		Dur("heartbeat", cfg.Loop.Heartbeat.Duration()).
		Strs("sensors", sens.names).
		Str("actuator", cfg.Actuator.Kind).
		Str("broker", cfg.MQTT.Broker).
		Msg("Control loop started")

	ticker := time.NewTicker(cfg.Loop.Tick.Duration())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return runLoop(l, ticker.C, sigCh, resetCh)
}

// printSensors takes one reading from every local sensor.
func printSensors(w io.Writer, cfg *config.Config) error {
	for _, sc := range cfg.Sensors {
		var s sensor.Sensor
		switch sc.Kind {
		case config.SensorPIR:
			pir, err := gpio.NewPIRSensor(sc.Name, sc.Chip, sc.Pin, sc.ActiveLow)
			if err != nil {
				return fmt.Errorf("sensor %s: %w", sc.Name, err)
			}
			s = pir
		case config.SensorScripted:
			s = newScripted(sc)
		default:
			fmt.Fprintf(w, "%s: pushed over mqtt, no local reading\n", sc.Name)
			continue
		}

		r, err := s.Read()
		s.Close()
		if err != nil {
			fmt.Fprintf(w, "%s: read error: %v\n", sc.Name, err)
			continue
		}
		fmt.Fprintf(w, "%s: %s raw=%g quality=%.2f\n", sc.Name, presenceString(r.Detected), r.Raw, r.Quality)
	}
	return nil
}

func presenceString(detected bool) string {
	if detected {
		return "PRESENT"
	}
	return "ABSENT"
}
