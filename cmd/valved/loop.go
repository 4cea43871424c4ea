package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/metrics"
	"github.com/sweeney/valved/internal/mqtt"
	"github.com/sweeney/valved/internal/params"
	"github.com/sweeney/valved/internal/sensor"
	"github.com/sweeney/valved/internal/status"
)

// dispatcher is the part of actuator.Dispatcher the loop uses.
type dispatcher interface {
	Dispatch(cmd logic.Command)
	Results() <-chan logic.Ack
}

// eventSink is the part of sink.Async the loop uses.
type eventSink interface {
	Send(e logic.Event)
	Dropped() uint64
}

// pruner is the part of ledger.Ledger the loop uses.
type pruner interface {
	Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// systemQueue is the part of mqtt.SystemQueue the loop uses.
type systemQueue interface {
	PublishSystem(e mqtt.SystemEvent) error
	Close()
}

// loop holds everything the tick loop reads from and writes to. ctrl, params
// and events are required; the rest may be nil.
type loop struct {
	ctrl    *logic.Controller
	reading sensor.Latest
	params  *params.Store
	source  params.Source
	act     dispatcher
	events  eventSink
	system  mqtt.Publisher
	queue   systemQueue
	conn    mqtt.ConnectionStatus
	tracker *status.Tracker
	metrics *metrics.Metrics
	ledger  pruner

	heartbeat  time.Duration
	retention  time.Duration
	pruneEvery time.Duration
	now        func() time.Time
	newID      func() string

	inflight map[uint64]logic.Action
}

const defaultPruneEvery = time.Hour

// runLoop drives the controller until a shutdown signal arrives. It is the
// only caller of Controller.Tick.
func runLoop(l *loop, tick <-chan time.Time, sig <-chan os.Signal, reset <-chan struct{}) error {
	if l.pruneEvery <= 0 {
		l.pruneEvery = defaultPruneEvery
	}
	if l.inflight == nil {
		l.inflight = make(map[uint64]logic.Action)
	}
	lastPrune := l.now()
	resetPending := false
	var acks []logic.Ack

	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				l.reload()
				continue
			}
			l.shutdown(s)
			return nil

		case <-reset:
			resetPending = true

		case <-tick:
			started := time.Now()
			t := l.now()
			acks = l.drainAcks(acks[:0])
			p := l.params.Load()

			res := l.ctrl.Tick(logic.TickInput{
				Time:    t,
				Reading: l.readingOrNil(),
				Acks:    acks,
				Reset:   resetPending,
				Params:  p,
			})
			resetPending = false

			if res.Command != nil {
				l.metrics.Command(res.Command.Action, "issued")
				if l.act != nil {
					// The dispatcher cancels older commands; they may never ack.
					clear(l.inflight)
					l.inflight[res.Command.ID] = res.Command.Action
					l.act.Dispatch(*res.Command)
				}
			}
			if res.Event != nil {
				l.emit(*res.Event)
			}
			l.metrics.SetPresence(l.ctrl.Presence())

			if hb := l.ctrl.CheckHeartbeat(t, l.heartbeat); hb != nil {
				log.Info().
					Dur("uptime", hb.Uptime).
					Str("state", string(hb.State)).
					Int("opens", hb.Counts.Opens).
					Int("faults", hb.Counts.Faults).
					Msg("Heartbeat")
				l.updateTracker()
				l.publishSystem(mqtt.SystemEvent{
					Timestamp:  hb.Timestamp,
					Event:      "HEARTBEAT",
					RawPayload: l.statusPayload("HEARTBEAT", ""),
				})
			}

			if l.ledger != nil && l.retention > 0 && t.Sub(lastPrune) >= l.pruneEvery {
				lastPrune = t
				l.prune(t)
			}

			l.updateTracker()
			l.metrics.ObserveTick(time.Since(started))
		}
	}
}

func (l *loop) readingOrNil() *logic.SensorReading {
	if l.reading == nil {
		return nil
	}
	return l.reading.Load()
}

// drainAcks collects every ack that arrived since the previous tick.
func (l *loop) drainAcks(acks []logic.Ack) []logic.Ack {
	if l.act == nil {
		return acks
	}
	for {
		select {
		case a := <-l.act.Results():
			if action, ok := l.inflight[a.CommandID]; ok && !a.Unsolicited {
				delete(l.inflight, a.CommandID)
				result := "ok"
				if !a.OK {
					result = "failed"
				}
				l.metrics.Command(action, result)
			}
			acks = append(acks, a)
		default:
			return acks
		}
	}
}

func (l *loop) emit(e logic.Event) {
	lg := log.Info()
	if e.Kind == logic.EventFault {
		lg = log.Error()
	}
	lg.Str("event", string(e.Kind)).
		Str("from", string(e.From)).
		Str("to", string(e.To)).
		Str("decision", string(e.Decision)).
		Str("reason", e.Reason).
		Msg("State change")

	var cause string
	if e.Kind == logic.EventFault {
		cause = metrics.FaultKind(l.ctrl.LastFault())
	}
	l.metrics.ObserveEvent(e, cause)
	l.events.Send(e)
}

// reload applies a fresh parameter snapshot. A rejected snapshot becomes a
// CONFIG_FAULT event and the controller keeps running on the old one.
func (l *loop) reload() {
	if l.params == nil || l.source == nil {
		log.Warn().Msg("SIGHUP ignored, no parameter source")
		return
	}
	t := l.now()
	if err := l.params.ReloadFrom(l.source); err != nil {
		l.metrics.ConfigRejected()
		st := l.ctrl.State()
		e := logic.Event{
			Timestamp: t,
			Kind:      logic.EventConfigFault,
			From:      st,
			To:        st,
			Reason:    err.Error(),
		}
		if l.newID != nil {
			e.ID = l.newID()
		}
		log.Warn().Err(err).Msg("Config fault, previous parameters stay in effect")
		l.events.Send(e)
		return
	}
	l.updateTracker()
	l.publishSystem(mqtt.SystemEvent{
		Timestamp:  t,
		Event:      "RELOAD",
		RawPayload: l.statusPayload("RELOAD", "SIGHUP"),
	})
}

func (l *loop) shutdown(s os.Signal) {
	reason := "UNKNOWN"
	switch s {
	case syscall.SIGINT:
		reason = "SIGINT"
	case syscall.SIGTERM:
		reason = "SIGTERM"
	}
	log.Info().Str("signal", reason).Msg("Shutting down")

	// Flush queued events, then publish SHUTDOWN directly.
	if l.queue != nil {
		l.queue.Close()
	}
	l.updateTracker()
	l.publishSystemNow(mqtt.SystemEvent{
		Timestamp:  l.now(),
		Event:      "SHUTDOWN",
		Reason:     reason,
		Retained:   true,
		RawPayload: l.statusPayload("SHUTDOWN", reason),
	})
}

func (l *loop) prune(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := l.ledger.Prune(ctx, now, l.retention)
	if err != nil {
		log.Error().Err(err).Msg("Ledger prune failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", l.retention).Msg("Ledger pruned")
	}
}

func (l *loop) updateTracker() {
	if l.tracker == nil {
		return
	}
	l.tracker.Update(l.ctrl.State(), l.ctrl.EnteredAt(), l.ctrl.Presence(), l.ctrl.EventCountsSnapshot(), l.ctrl.LastFault())
	if l.params != nil {
		l.tracker.SetParams(l.params.Load())
	}
	if l.conn != nil {
		l.tracker.SetMQTTConnected(l.conn.IsConnected())
	}
	l.tracker.SetSinkDropped(l.events.Dropped())
}

func (l *loop) statusPayload(event, reason string) []byte {
	if l.tracker == nil {
		return nil
	}
	return status.FormatStatusEvent(l.tracker.Snapshot(), event, reason)
}

// publishSystem hands e to the queue when there is one, so the tick never
// waits on the broker.
func (l *loop) publishSystem(e mqtt.SystemEvent) {
	if l.queue != nil {
		l.queue.PublishSystem(e)
		return
	}
	l.publishSystemNow(e)
}

func (l *loop) publishSystemNow(e mqtt.SystemEvent) {
	if l.system == nil {
		return
	}
	if err := l.system.PublishSystem(e); err != nil {
		log.Warn().Err(err).Str("event", e.Event).Msg("System event publish failed")
	}
}
