// Package metrics exposes controller metrics in Prometheus format.
// All methods are safe on a nil *Metrics so callers can run without them.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/valved/internal/logic"
)

type Metrics struct {
	reg *prometheus.Registry

	state            *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	faults           *prometheus.CounterVec
	commands         *prometheus.CounterVec
	configRejections prometheus.Counter
	sinkDrops        prometheus.Counter
	sinkErrors       *prometheus.CounterVec
	presence         prometheus.Gauge
	tickDuration     prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "valved_state",
			Help: "1 for the current controller state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valved_transitions_total",
			Help: "State transitions by source and target state.",
		}, []string{"from", "to"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valved_faults_total",
			Help: "Faults entered, by cause.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valved_actuator_commands_total",
			Help: "Actuator commands by action and outcome.",
		}, []string{"action", "result"}),
		configRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valved_config_rejections_total",
			Help: "Parameter snapshots rejected as invalid.",
		}),
		sinkDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valved_sink_dropped_total",
			Help: "Events dropped because the event buffer was full.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valved_sink_errors_total",
			Help: "Event delivery failures by destination.",
		}, []string{"dest"}),
		presence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valved_presence",
			Help: "Debounced presence signal (1 present, 0 absent).",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valved_tick_duration_seconds",
			Help:    "Time spent in one control loop tick.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valved_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "valved_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		m.state,
		m.transitions,
		m.faults,
		m.commands,
		m.configRejections,
		m.sinkDrops,
		m.sinkErrors,
		m.presence,
		m.tickDuration,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState(logic.StateIdle)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SetState(s logic.State) {
	if m == nil {
		return
	}
	for _, st := range logic.AllStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

// FaultKind maps a fault cause to its metric label.
func FaultKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, logic.ErrSensorTimeout):
		return "sensor_timeout"
	case errors.Is(err, logic.ErrSensorQuality):
		return "sensor_quality"
	case errors.Is(err, logic.ErrAckTimeout):
		return "ack_timeout"
	case errors.Is(err, logic.ErrActuatorFailure):
		return "actuator_failure"
	}
	return "other"
}

// ObserveEvent updates counters for an emitted controller event.
func (m *Metrics) ObserveEvent(e logic.Event, cause string) {
	if m == nil {
		return
	}
	switch e.Kind {
	case logic.EventTransition, logic.EventReset:
		m.transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
	case logic.EventFault:
		m.transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
		m.faults.WithLabelValues(cause).Inc()
	}
	if e.To != "" {
		m.SetState(e.To)
	}
}

func (m *Metrics) Command(action logic.Action, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(action), result).Inc()
}

func (m *Metrics) ConfigRejected() {
	if m == nil {
		return
	}
	m.configRejections.Inc()
}

func (m *Metrics) SinkDropped() {
	if m == nil {
		return
	}
	m.sinkDrops.Inc()
}

func (m *Metrics) SinkError(dest string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(dest).Inc()
}

func (m *Metrics) SetPresence(present bool) {
	if m == nil {
		return
	}
	if present {
		m.presence.Set(1)
	} else {
		m.presence.Set(0)
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their duration under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
