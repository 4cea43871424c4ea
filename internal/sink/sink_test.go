package sink

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/valved/internal/logic"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type recorder struct {
	mu     sync.Mutex
	events []logic.Event
	block  chan struct{}
	err    error
}

func (r *recorder) Emit(ctx context.Context, e logic.Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Reason
	}
	return out
}

func ev(reason string) logic.Event {
	return logic.Event{Kind: logic.EventTransition, Reason: reason}
}

func TestAsyncDeliversInOrder(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(8)
	a.Add("rec", rec)
	a.Start()

	for _, r := range []string{"a", "b", "c"} {
		a.Send(ev(r))
	}
	a.Close()

	got := rec.reasons()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("got %v", got)
	}
}

func TestAsyncDropsOldestWhenFull(t *testing.T) {
	a := NewAsync(3)
	drops := 0
	a.OnDrop(func() { drops++ })

	for _, r := range []string{"a", "b", "c", "d", "e"} {
		a.Send(ev(r))
	}
	if a.Dropped() != 2 || drops != 2 {
		t.Errorf("expected 2 drops, got %d (callback %d)", a.Dropped(), drops)
	}
	if a.Pending() != 3 {
		t.Errorf("expected 3 pending, got %d", a.Pending())
	}

	rec := &recorder{}
	a.Add("rec", rec)
	a.Start()
	a.Close()
	got := rec.reasons()
	if len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Errorf("expected newest three, got %v", got)
	}
}

func TestAsyncSendNeverBlocks(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	a := NewAsync(2)
	a.Add("slow", rec)
	a.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			a.Send(ev("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a stuck destination")
	}
	close(rec.block)
	a.Close()
}

func TestAsyncDestinationFailureIsolated(t *testing.T) {
	bad := &recorder{err: errors.New("broker down")}
	good := &recorder{}
	a := NewAsync(4)
	a.Add("bad", bad)
	a.Add("good", good)
	var failed []string
	a.OnError(func(dest string) { failed = append(failed, dest) })
	a.Start()

	a.Send(ev("a"))
	a.Close()

	if len(good.reasons()) != 1 {
		t.Error("good destination should still receive the event")
	}
	if len(failed) != 1 || failed[0] != "bad" {
		t.Errorf("expected failure reported for bad, got %v", failed)
	}
}

func TestEmitterFunc(t *testing.T) {
	var got logic.Event
	f := EmitterFunc(func(_ context.Context, e logic.Event) error {
		got = e
		return nil
	})
	f.Emit(context.Background(), ev("x"))
	if got.Reason != "x" {
		t.Errorf("got %+v", got)
	}
}

func TestLogEmitter(t *testing.T) {
	for _, e := range []logic.Event{
		{Kind: logic.EventTransition, From: logic.StateIdle, To: logic.StateOpening, Decision: logic.DecisionOpen},
		{Kind: logic.EventFault, Reason: "sensor timeout"},
		{Kind: logic.EventConfigFault, Reason: "bad"},
	} {
		if err := (LogEmitter{}).Emit(context.Background(), e); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}
