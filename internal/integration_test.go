package internal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/valved/internal/actuator"
	"github.com/sweeney/valved/internal/gpio"
	"github.com/sweeney/valved/internal/ledger"
	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/mqtt"
	"github.com/sweeney/valved/internal/params"
	"github.com/sweeney/valved/internal/sensor"
	"github.com/sweeney/valved/internal/sink"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

const step = 100 * time.Millisecond

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testParams() logic.Parameters {
	return logic.Parameters{
		DetectThreshold: 0.5,
		QualityFloor:    0.5,
		DebounceWindow:  200 * time.Millisecond,
		MinOpenTime:     time.Second,
		MinCooldownTime: 3 * time.Second,
		MaxOpenTime:     30 * time.Second,
		SensorTimeout:   2 * time.Second,
	}
}

// clocked restamps a sensor's readings with the rig's fake clock.
type clocked struct {
	sensor.Sensor
	now func() time.Time
}

func (c clocked) Read() (logic.SensorReading, error) {
	r, err := c.Sensor.Read()
	if err != nil {
		return r, err
	}
	r.Timestamp = c.now()
	return r, nil
}

// rig wires the real collaborators together around fake GPIO lines and
// drives the controller tick by tick on a fake clock.
type rig struct {
	t *testing.T

	pir    *gpio.FakeLine
	poller *sensor.Poller
	latest sensor.Latest

	store *params.Store
	ctrl  *logic.Controller
	disp  *actuator.Dispatcher

	pub    *mqtt.FakePublisher
	ledger *ledger.Ledger
	events *sink.Async

	now     time.Time
	acks    []logic.Ack
	history []logic.Event
	cancel  context.CancelFunc
}

// newRig builds the rig. act defaults to a relay whose feedback follows
// the output; ackTimeout bounds how long the dispatcher waits in real time.
func newRig(t *testing.T, act actuator.Actuator, ackTimeout time.Duration) *rig {
	t.Helper()
	r := &rig{t: t, now: start, pir: gpio.NewFakeLine(0), pub: mqtt.NewFakePublisher()}

	slot := &sensor.Slot{}
	pir := clocked{Sensor: gpio.NewPIRSensorOnLine("pir0", r.pir, false), now: r.clock}
	r.poller = sensor.NewPoller("pir0", pir, slot, time.Hour)
	r.latest = slot

	var err error
	r.store, err = params.NewStore(testParams())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	r.ctrl = logic.NewController(start)
	r.ctrl.SetIDFunc(uuid.NewString)

	if act == nil {
		out, fb := gpio.NewFakeLine(0), gpio.NewFakeLine(0)
		out.Mirror = fb
		act = gpio.NewRelayOnLines(out, false, fb, false)
	}
	r.disp = actuator.NewDispatcher(act, func() time.Duration { return ackTimeout })
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.disp.Run(ctx)

	r.ledger, err = ledger.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	r.events = sink.NewAsync(64)
	r.events.Add("mqtt", sink.EmitterFunc(func(_ context.Context, e logic.Event) error { return r.pub.Publish(e) }))
	r.events.Add("ledger", r.ledger)
	r.events.Start()

	t.Cleanup(r.close)
	return r
}

func (r *rig) clock() time.Time { return r.now }

func (r *rig) close() {
	r.cancel()
	r.disp.Close()
	r.events.Close()
	r.ledger.Close()
}

// flush waits for queued events to reach every destination.
func (r *rig) flush() {
	r.events.Close()
}

// tick advances the clock one step, polls the sensor and runs the controller.
// Acks arriving within wait are handed to the next tick.
func (r *rig) tick(present bool, wait time.Duration) logic.TickResult {
	r.t.Helper()
	r.now = r.now.Add(step)
	if present {
		r.pir.Set(1)
	} else {
		r.pir.Set(0)
	}
	r.poller.Poll()

	res := r.ctrl.Tick(logic.TickInput{
		Time:    r.now,
		Reading: r.latest.Load(),
		Acks:    r.acks,
		Params:  r.store.Load(),
	})
	r.acks = nil

	if res.Command != nil {
		r.disp.Dispatch(*res.Command)
		if wait > 0 {
			r.collect(wait)
		}
	}
	if res.Event != nil {
		r.history = append(r.history, *res.Event)
		r.events.Send(*res.Event)
	}
	return res
}

// collect waits up to d for one ack.
func (r *rig) collect(d time.Duration) {
	select {
	case a := <-r.disp.Results():
		r.acks = append(r.acks, a)
	case <-time.After(d):
	}
}

func (r *rig) run(n int, present func(i int) bool) {
	r.t.Helper()
	for i := 1; i <= n; i++ {
		r.tick(present(i), time.Second)
	}
}

func states(events []logic.Event) []logic.State {
	out := make([]logic.State, len(events))
	for i, e := range events {
		out[i] = e.To
	}
	return out
}

func sameStates(a, b []logic.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestIntegrationOpenCloseCycle(t *testing.T) {
	out, fb := gpio.NewFakeLine(0), gpio.NewFakeLine(0)
	out.Mirror = fb
	r := newRig(t, gpio.NewRelayOnLines(out, false, fb, false), time.Second)

	r.run(25, func(i int) bool { return i < 10 })

	want := []logic.State{logic.StateOpening, logic.StateOpen, logic.StateClosing, logic.StateCooldown}
	if got := states(r.history); !sameStates(got, want) {
		t.Fatalf("transitions: got %v, want %v", got, want)
	}
	if writes := out.Writes(); len(writes) != 2 || writes[0] != 1 || writes[1] != 0 {
		t.Errorf("relay writes: got %v, want [1 0]", writes)
	}

	r.flush()

	published := r.pub.EventsSnapshot()
	if got := states(published); !sameStates(got, want) {
		t.Errorf("mqtt: got %v, want %v", got, want)
	}

	recent, err := r.ledger.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("ledger: got %d events, want 4", len(recent))
	}
	if recent[0].To != logic.StateCooldown || recent[3].To != logic.StateOpening {
		t.Errorf("ledger should be newest first, got %v", states(recent))
	}
	if recent[3].ID != published[0].ID {
		t.Errorf("ledger and mqtt should carry the same event ID, got %q and %q", recent[3].ID, published[0].ID)
	}
}

func TestIntegrationPayloadFormat(t *testing.T) {
	r := newRig(t, nil, time.Second)
	r.run(5, func(int) bool { return true })
	r.flush()

	if len(r.pub.Payloads) == 0 {
		t.Fatal("expected at least one payload")
	}
	var p mqtt.Payload
	if err := json.Unmarshal(r.pub.Payloads[0], &p); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	v := p.Valve
	if v.Event != "TRANSITION" || v.From != "IDLE" || v.To != "OPENING" || v.Decision != "OPEN" {
		t.Errorf("unexpected payload %+v", v)
	}
	if _, err := uuid.Parse(v.ID); err != nil {
		t.Errorf("id should be a UUID, got %q", v.ID)
	}
	if _, err := time.Parse(time.RFC3339Nano, v.Timestamp); err != nil {
		t.Errorf("timestamp: %v", err)
	}
}

func TestIntegrationActuatorNeverConfirms(t *testing.T) {
	fake := actuator.NewFake()
	fake.Hold()
	r := newRig(t, fake, time.Minute)
	// Runs before the rig's cleanup so the dispatcher can drain.
	t.Cleanup(fake.Release)

	// No acks arrive: the controller's watchdog raises the fault.
	for i := 0; i < 30; i++ {
		r.tick(true, 0)
	}

	want := []logic.State{logic.StateOpening, logic.StateFault}
	if got := states(r.history); !sameStates(got, want) {
		t.Fatalf("transitions: got %v, want %v", got, want)
	}
	if !errors.Is(r.ctrl.LastFault(), logic.ErrAckTimeout) {
		t.Errorf("fault: got %v, want ack timeout", r.ctrl.LastFault())
	}
}

func TestIntegrationFeedbackMismatch(t *testing.T) {
	// Feedback never follows the output.
	out, fb := gpio.NewFakeLine(0), gpio.NewFakeLine(0)
	r := newRig(t, gpio.NewRelayOnLines(out, false, fb, false), 50*time.Millisecond)

	for i := 0; i < 30; i++ {
		r.tick(true, 200*time.Millisecond)
	}

	for _, e := range r.history {
		if e.To == logic.StateOpen {
			t.Fatal("an unconfirmed relay must not reach OPEN")
		}
	}
	if r.ctrl.State() != logic.StateFault {
		t.Fatalf("state: got %s, want FAULT", r.ctrl.State())
	}
	if !errors.Is(r.ctrl.LastFault(), logic.ErrAckTimeout) {
		t.Errorf("fault: got %v, want ack timeout", r.ctrl.LastFault())
	}
}

func TestIntegrationCommandFailure(t *testing.T) {
	out, fb := gpio.NewFakeLine(0), gpio.NewFakeLine(0)
	out.SetError = errors.New("line busy")
	r := newRig(t, gpio.NewRelayOnLines(out, false, fb, false), time.Second)

	r.run(5, func(int) bool { return true })

	if r.ctrl.State() != logic.StateFault {
		t.Fatalf("state: got %s, want FAULT", r.ctrl.State())
	}
	if !errors.Is(r.ctrl.LastFault(), logic.ErrActuatorFailure) {
		t.Errorf("fault: got %v, want actuator failure", r.ctrl.LastFault())
	}
}

func TestIntegrationSpontaneousFault(t *testing.T) {
	fake := actuator.NewFake()
	r := newRig(t, fake, time.Second)

	r.run(5, func(int) bool { return true })
	if r.ctrl.State() != logic.StateOpen {
		t.Fatalf("state: got %s, want OPEN", r.ctrl.State())
	}

	fake.InjectFault(errors.New("valve stuck"))
	r.collect(time.Second)
	r.tick(true, time.Second)

	if r.ctrl.State() != logic.StateFault {
		t.Fatalf("state: got %s, want FAULT", r.ctrl.State())
	}
	if !errors.Is(r.ctrl.LastFault(), logic.ErrActuatorFailure) {
		t.Errorf("fault: got %v, want actuator failure", r.ctrl.LastFault())
	}
	last := fake.Commands()[len(fake.Commands())-1]
	if last.Action != logic.ActionClose {
		t.Errorf("fault should issue a CLOSE, got %s", last.Action)
	}
}

func TestIntegrationSensorFailureAndReset(t *testing.T) {
	r := newRig(t, nil, time.Second)
	r.pir.ReadError = errors.New("gpio fault")

	r.run(25, func(int) bool { return false })
	if r.ctrl.State() != logic.StateFault {
		t.Fatalf("state: got %s, want FAULT", r.ctrl.State())
	}
	if !errors.Is(r.ctrl.LastFault(), logic.ErrSensorTimeout) {
		t.Errorf("fault: got %v, want sensor timeout", r.ctrl.LastFault())
	}

	// Faults latch until reset, even after the sensor recovers.
	r.pir.ReadError = nil
	r.run(5, func(int) bool { return false })
	if r.ctrl.State() != logic.StateFault {
		t.Fatal("FAULT must latch until reset")
	}

	r.now = r.now.Add(step)
	r.poller.Poll()
	res := r.ctrl.Tick(logic.TickInput{Time: r.now, Reading: r.latest.Load(), Reset: true, Params: r.store.Load()})
	if res.Event == nil || res.Event.Kind != logic.EventReset || r.ctrl.State() != logic.StateIdle {
		t.Fatalf("reset: got %+v in state %s", res.Event, r.ctrl.State())
	}
}

func TestIntegrationFusedSensors(t *testing.T) {
	r := newRig(t, nil, time.Second)

	second := gpio.NewFakeLine(0)
	second.ReadError = errors.New("unplugged")
	slot2 := &sensor.Slot{}
	poller2 := sensor.NewPoller("pir1", clocked{Sensor: gpio.NewPIRSensorOnLine("pir1", second, false), now: r.clock}, slot2, time.Hour)

	firstSlot := r.latest.(*sensor.Slot)
	r.latest = sensor.NewFused(sensor.AnyPolicy{}, r.store.Load, r.clock,
		[]string{"pir0", "pir1"}, []*sensor.Slot{firstSlot, slot2})

	for i := 0; i < 5; i++ {
		poller2.Poll()
		r.tick(true, time.Second)
	}

	if r.ctrl.State() != logic.StateOpen {
		t.Fatalf("one healthy detecting sensor should open the valve, got %s", r.ctrl.State())
	}
	reading := r.latest.Load()
	if reading.Source != "any" || reading.Quality != 1 {
		t.Errorf("fused reading: got %+v", reading)
	}
}

func TestIntegrationHotReload(t *testing.T) {
	r := newRig(t, nil, time.Second)
	r.run(5, func(int) bool { return true })
	if r.ctrl.State() != logic.StateOpen {
		t.Fatalf("state: got %s, want OPEN", r.ctrl.State())
	}

	bad := testParams()
	bad.SensorTimeout = 0
	if err := r.store.Reload(bad); !errors.Is(err, params.ErrConfigFault) {
		t.Fatalf("expected config fault, got %v", err)
	}

	shorter := testParams()
	shorter.MaxOpenTime = 2 * time.Second
	if err := r.store.Reload(shorter); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	r.run(20, func(int) bool { return true })

	var forced bool
	for _, e := range r.history {
		if e.Decision == logic.DecisionForceClose {
			forced = true
		}
	}
	if !forced {
		t.Errorf("the new max open time should force a close, got %v", states(r.history))
	}
	if r.ctrl.EventCountsSnapshot().ForceCloses != 1 {
		t.Errorf("ForceCloses: got %d", r.ctrl.EventCountsSnapshot().ForceCloses)
	}
}
