package sensor

import (
	"testing"
	"time"

	"github.com/sweeney/valved/internal/logic"
)

func reading(detected bool, quality float64) logic.SensorReading {
	return logic.SensorReading{Timestamp: t0, Detected: detected, Quality: quality}
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		readings []logic.SensorReading
		detected bool
		quality  float64
	}{
		{"any one detects", AnyPolicy{}, []logic.SensorReading{reading(true, 0.9), reading(false, 1)}, true, 1},
		{"any ignores low quality", AnyPolicy{}, []logic.SensorReading{reading(true, 0.3), reading(false, 0.8)}, false, 0.8},
		{"any all unhealthy", AnyPolicy{}, []logic.SensorReading{reading(true, 0.3), reading(false, 0)}, false, 0},
		{"all agree", AllPolicy{}, []logic.SensorReading{reading(true, 0.9), reading(true, 0.7)}, true, 0.7},
		{"all one absent", AllPolicy{}, []logic.SensorReading{reading(true, 0.9), reading(false, 0.7)}, false, 0.7},
		{"all one unhealthy", AllPolicy{}, []logic.SensorReading{reading(true, 0.9), reading(true, 0.2)}, false, 0.2},
		{"quorum reached", QuorumPolicy{N: 2}, []logic.SensorReading{reading(true, 1), reading(true, 0.6), reading(false, 0.9)}, true, 0.9},
		{"quorum short", QuorumPolicy{N: 2}, []logic.SensorReading{reading(true, 1), reading(false, 0.6), reading(false, 0.9)}, false, 0.9},
		{"quorum impossible", QuorumPolicy{N: 2}, []logic.SensorReading{reading(true, 1), reading(true, 0.1), reading(false, 0)}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, q := tt.policy.Fuse(tt.readings, 0.5)
			if d != tt.detected || q != tt.quality {
				t.Errorf("got (%v, %v), want (%v, %v)", d, q, tt.detected, tt.quality)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name    string
		quorum  int
		want    string
		wantErr bool
	}{
		{"", 0, "any", false},
		{"any", 0, "any", false},
		{"all", 0, "all", false},
		{"quorum", 2, "quorum:2", false},
		{"quorum", 0, "", true},
		{"quorum:3", 0, "quorum:3", false},
		{"quorum:x", 0, "", true},
		{"majority", 0, "", true},
	}
	for _, tt := range tests {
		p, err := ParsePolicy(tt.name, tt.quorum)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.name, err)
			continue
		}
		if p.Name() != tt.want {
			t.Errorf("%q: got %q, want %q", tt.name, p.Name(), tt.want)
		}
	}
}

func fusionParams() logic.Parameters {
	return logic.Parameters{QualityFloor: 0.5, SensorTimeout: 3 * time.Second}
}

func TestFused(t *testing.T) {
	var a, b Slot
	now := t0.Add(time.Second)
	f := NewFused(AnyPolicy{}, fusionParams, func() time.Time { return now }, []string{"a", "b"}, []*Slot{&a, &b})

	if f.Load() != nil {
		t.Fatal("expected nil before any reading")
	}

	a.Store(logic.SensorReading{Timestamp: t0, Detected: false, Quality: 1, Source: "a"})
	r := f.Load()
	if r == nil || r.Detected || r.Quality != 1 {
		t.Fatalf("unexpected fused reading %+v", r)
	}

	b.Store(logic.SensorReading{Timestamp: t0.Add(time.Second), Detected: true, Quality: 0.8, Source: "b"})
	r = f.Load()
	if !r.Detected {
		t.Error("expected presence from b")
	}
	if !r.Timestamp.Equal(t0.Add(time.Second)) {
		t.Errorf("expected newest timestamp, got %v", r.Timestamp)
	}
	if r.Raw != 1 || r.Source != "any" {
		t.Errorf("unexpected raw/source: %+v", *r)
	}
}

func TestFusedMissingSlotCountsAsUnreachable(t *testing.T) {
	var a, b Slot
	f := NewFused(AllPolicy{}, fusionParams, func() time.Time { return t0 }, []string{"a", "b"}, []*Slot{&a, &b})
	a.Store(logic.SensorReading{Timestamp: t0, Detected: true, Quality: 1})

	r := f.Load()
	if r.Detected || r.Quality != 0 {
		t.Errorf("expected all-policy to fail with a missing sensor, got %+v", *r)
	}
}

func TestFusedSilentSlotStopsVoting(t *testing.T) {
	var a, b Slot
	now := t0
	f := NewFused(AnyPolicy{}, fusionParams, func() time.Time { return now }, []string{"a", "b"}, []*Slot{&a, &b})

	// a reports presence once and then goes silent; b keeps reporting absence.
	a.Store(logic.SensorReading{Timestamp: t0, Detected: true, Quality: 1, Source: "a"})
	for step := 0; step <= 60; step++ {
		now = t0.Add(time.Duration(step) * 100 * time.Millisecond)
		b.Store(logic.SensorReading{Timestamp: now, Detected: false, Quality: 1, Source: "b"})
		r := f.Load()

		silent := now.Sub(t0) >= fusionParams().SensorTimeout
		if silent && (r.Detected || r.Raw != 0) {
			t.Fatalf("after %v a stale slot still votes: %+v", now.Sub(t0), *r)
		}
		if !silent && !r.Detected {
			t.Fatalf("after %v a fresh slot should still vote: %+v", now.Sub(t0), *r)
		}
		if !r.Timestamp.Equal(now) || r.Quality != 1 {
			t.Fatalf("fused reading should follow the live sensor, got %+v", *r)
		}
	}
}

func TestFusedAllSlotsSilent(t *testing.T) {
	var a, b Slot
	now := t0
	f := NewFused(AnyPolicy{}, fusionParams, func() time.Time { return now }, []string{"a", "b"}, []*Slot{&a, &b})
	a.Store(logic.SensorReading{Timestamp: t0, Detected: true, Quality: 1})
	b.Store(logic.SensorReading{Timestamp: t0, Detected: true, Quality: 1})

	now = t0.Add(5 * time.Second)
	r := f.Load()
	if r == nil || r.Detected || r.Quality != 0 {
		t.Errorf("expected an unreachable reading, got %+v", r)
	}
}

func TestFusedSilentSlotFaultsController(t *testing.T) {
	var a, b Slot
	now := t0
	p := logic.Parameters{
		QualityFloor:    0.5,
		DebounceWindow:  200 * time.Millisecond,
		MinOpenTime:     time.Second,
		MinCooldownTime: 3 * time.Second,
		MaxOpenTime:     10 * time.Second,
		SensorTimeout:   3 * time.Second,
	}
	f := NewFused(AnyPolicy{}, func() logic.Parameters { return p }, func() time.Time { return now }, []string{"a", "b"}, []*Slot{&a, &b})
	c := logic.NewController(t0)

	a.Store(logic.SensorReading{Timestamp: t0, Detected: true, Quality: 1})
	opens := 0
	for step := 1; step <= 600; step++ {
		now = t0.Add(time.Duration(step) * 100 * time.Millisecond)
		b.Store(logic.SensorReading{Timestamp: now, Detected: false, Quality: 1})
		res := c.Tick(logic.TickInput{Time: now, Reading: f.Load(), Params: p})
		if res.Command != nil {
			if res.Command.Action == logic.ActionOpen {
				opens++
			}
			// Confirm every command on the next tick.
			acked := now.Add(50 * time.Millisecond)
			c.Tick(logic.TickInput{Time: acked, Reading: f.Load(), Params: p,
				Acks: []logic.Ack{{CommandID: res.Command.ID, OK: true, CompletedAt: acked}}})
		}
	}
	if opens > 1 {
		t.Errorf("a silent sensor kept cycling the valve: %d opens", opens)
	}
	if c.State() != logic.StateIdle && c.State() != logic.StateCooldown {
		t.Errorf("expected the valve to settle closed, got %s", c.State())
	}
}

const majorityScript = `
function fuse(readings, floor)
  local votes, healthy, q = 0, 0, 1
  for _, r in ipairs(readings) do
    if r.quality >= floor then
      healthy = healthy + 1
      if r.quality < q then q = r.quality end
      if r.detected then votes = votes + 1 end
    end
  end
  if healthy == 0 then return false, 0 end
  return votes * 2 > healthy, q
end
`

func TestLuaPolicy(t *testing.T) {
	p, err := NewLuaPolicy(majorityScript)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	if p.Name() != "lua" {
		t.Errorf("Name: got %q", p.Name())
	}

	d, q := p.Fuse([]logic.SensorReading{reading(true, 1), reading(true, 0.7), reading(false, 0.9)}, 0.5)
	if !d || q != 0.7 {
		t.Errorf("got (%v, %v), want (true, 0.7)", d, q)
	}
	d, q = p.Fuse([]logic.SensorReading{reading(true, 1), reading(false, 0.9)}, 0.5)
	if d {
		t.Errorf("tie should not be a majority, got (%v, %v)", d, q)
	}
	d, q = p.Fuse(nil, 0.5)
	if d || q != 0 {
		t.Errorf("empty input: got (%v, %v)", d, q)
	}
}

func TestLuaPolicyErrors(t *testing.T) {
	if _, err := NewLuaPolicy("this is not lua"); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := NewLuaPolicy("x = 1"); err == nil {
		t.Error("expected error when fuse is missing")
	}

	p, err := NewLuaPolicy(`function fuse(readings, floor) error("boom") end`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()
	d, q := p.Fuse([]logic.SensorReading{reading(true, 1)}, 0.5)
	if d || q != 0 {
		t.Errorf("runtime error should yield (false, 0), got (%v, %v)", d, q)
	}
}

func TestLuaPolicyClampsQuality(t *testing.T) {
	p, err := NewLuaPolicy(`function fuse(readings, floor) return true, 7 end`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()
	if _, q := p.Fuse(nil, 0.5); q != 1 {
		t.Errorf("expected quality clamped to 1, got %v", q)
	}
}
