package sensor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/valved/internal/logic"
)

// Policy combines the latest readings of several sensors into one.
// Readings below floor are treated as unknown.
type Policy interface {
	Name() string
	Fuse(readings []logic.SensorReading, floor float64) (detected bool, quality float64)
}

// ParsePolicy builds a policy from its config name. "lua" is handled by
// NewLuaPolicy since it needs a script.
func ParsePolicy(name string, quorum int) (Policy, error) {
	switch {
	case name == "" || name == "any":
		return AnyPolicy{}, nil
	case name == "all":
		return AllPolicy{}, nil
	case name == "quorum":
		if quorum < 1 {
			return nil, fmt.Errorf("quorum policy needs quorum >= 1, got %d", quorum)
		}
		return QuorumPolicy{N: quorum}, nil
	case strings.HasPrefix(name, "quorum:"):
		n, err := strconv.Atoi(strings.TrimPrefix(name, "quorum:"))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid quorum policy %q", name)
		}
		return QuorumPolicy{N: n}, nil
	}
	return nil, fmt.Errorf("unknown fusion policy %q", name)
}

// AnyPolicy reports presence when any healthy sensor detects it.
type AnyPolicy struct{}

func (AnyPolicy) Name() string { return "any" }

func (AnyPolicy) Fuse(readings []logic.SensorReading, floor float64) (bool, float64) {
	detected := false
	quality := 0.0
	for _, r := range readings {
		if r.Quality < floor || r.Quality == 0 {
			continue
		}
		detected = detected || r.Detected
		if r.Quality > quality {
			quality = r.Quality
		}
	}
	return detected, quality
}

// AllPolicy needs every sensor healthy and detecting.
type AllPolicy struct{}

func (AllPolicy) Name() string { return "all" }

func (AllPolicy) Fuse(readings []logic.SensorReading, floor float64) (bool, float64) {
	if len(readings) == 0 {
		return false, 0
	}
	detected := true
	quality := 1.0
	for _, r := range readings {
		detected = detected && r.Detected
		if r.Quality < quality {
			quality = r.Quality
		}
	}
	if quality < floor {
		detected = false
	}
	return detected, quality
}

// QuorumPolicy needs at least N healthy sensors detecting. With fewer than N
// healthy sensors the quorum can never be reached and quality drops to 0.
type QuorumPolicy struct {
	N int
}

func (q QuorumPolicy) Name() string { return fmt.Sprintf("quorum:%d", q.N) }

func (q QuorumPolicy) Fuse(readings []logic.SensorReading, floor float64) (bool, float64) {
	var healthy []float64
	votes := 0
	for _, r := range readings {
		if r.Quality < floor || r.Quality == 0 {
			continue
		}
		healthy = append(healthy, r.Quality)
		if r.Detected {
			votes++
		}
	}
	if len(healthy) < q.N {
		return false, 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(healthy)))
	return votes >= q.N, healthy[q.N-1]
}

// Fused exposes several slots as one Latest using a Policy.
type Fused struct {
	slots  []*Slot
	names  []string
	policy Policy
	params func() logic.Parameters
	now    func() time.Time
}

// NewFused combines the given slots. params supplies the live quality floor
// and sensor timeout; now is the clock readings are aged against.
func NewFused(policy Policy, params func() logic.Parameters, now func() time.Time, names []string, slots []*Slot) *Fused {
	return &Fused{slots: slots, names: names, policy: policy, params: params, now: now}
}

// Load fuses the newest reading of every slot. Empty slots, and slots silent
// for SensorTimeout or longer, count as unreachable sensors. Returns nil
// until at least one slot has a reading.
func (f *Fused) Load() *logic.SensorReading {
	p := f.params()
	now := f.now()
	readings := make([]logic.SensorReading, len(f.slots))
	var newest time.Time
	seen := false
	for i, s := range f.slots {
		r := s.Load()
		if r == nil {
			readings[i] = logic.SensorReading{Source: f.names[i]}
			continue
		}
		seen = true
		readings[i] = *r
		if p.SensorTimeout > 0 && now.Sub(r.Timestamp) >= p.SensorTimeout {
			readings[i] = logic.SensorReading{Timestamp: r.Timestamp, Source: f.names[i]}
			continue
		}
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	if !seen {
		return nil
	}
	if newest.IsZero() {
		// Every slot is stale; the controller sees an unreachable sensor.
		return &logic.SensorReading{Timestamp: now, Source: f.policy.Name()}
	}

	detected, quality := f.policy.Fuse(readings, p.QualityFloor)
	raw := 0.0
	for _, r := range readings {
		if r.Detected {
			raw++
		}
	}
	return &logic.SensorReading{
		Timestamp: newest,
		Raw:       raw,
		Detected:  detected,
		Quality:   quality,
		Source:    f.policy.Name(),
	}
}
