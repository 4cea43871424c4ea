// Package params holds the live parameter snapshot.
//
// Snapshots are validated before they are published and swapped atomically,
// so a reader always sees one consistent set of values. An invalid snapshot
// is a config fault: it is rejected and the previous snapshot stays in effect.
package params

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/config"
	"github.com/sweeney/valved/internal/logic"
)

// ErrConfigFault marks a rejected parameter snapshot.
var ErrConfigFault = errors.New("config fault")

// Source produces a fresh parameter snapshot.
type Source interface {
	Load() (logic.Parameters, error)
}

// FileSource reads the parameters section of a YAML config file.
type FileSource struct {
	Path string
}

// Load re-reads the file.
func (f FileSource) Load() (logic.Parameters, error) {
	cfg, err := config.Load(f.Path)
	if err != nil {
		return logic.Parameters{}, err
	}
	return cfg.Parameters.Parameters(), nil
}

// Validate checks a snapshot. The returned error wraps ErrConfigFault.
func Validate(p logic.Parameters) error {
	var problems []string

	durations := []struct {
		name string
		v    int64
	}{
		{"debounce_window", int64(p.DebounceWindow)},
		{"min_open_time", int64(p.MinOpenTime)},
		{"min_cooldown_time", int64(p.MinCooldownTime)},
		{"max_open_time", int64(p.MaxOpenTime)},
		{"sensor_timeout", int64(p.SensorTimeout)},
	}
	for _, d := range durations {
		if d.v <= 0 {
			problems = append(problems, d.name+" must be > 0")
		}
	}
	if p.AckTimeout < 0 {
		problems = append(problems, "ack_timeout must be >= 0")
	}
	if p.MinOpenTime >= p.MaxOpenTime {
		problems = append(problems, fmt.Sprintf("min_open_time (%v) must be < max_open_time (%v)", p.MinOpenTime, p.MaxOpenTime))
	}
	if p.QualityFloor < 0 || p.QualityFloor > 1 {
		problems = append(problems, fmt.Sprintf("quality_floor %v outside [0,1]", p.QualityFloor))
	}
	if p.DetectThreshold < 0 {
		problems = append(problems, "detect_threshold must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigFault, strings.Join(problems, "; "))
	}
	return nil
}

// Store publishes the current snapshot.
type Store struct {
	cur atomic.Pointer[logic.Parameters]

	mu       sync.Mutex // serializes reloads and listener registration
	onReload []func(old, new logic.Parameters)
	onReject []func(error)
}

// NewStore validates the initial snapshot and creates a store.
func NewStore(initial logic.Parameters) (*Store, error) {
	if err := Validate(initial); err != nil {
		return nil, err
	}
	s := &Store{}
	s.cur.Store(&initial)
	return s, nil
}

// Load returns the current snapshot.
func (s *Store) Load() logic.Parameters {
	return *s.cur.Load()
}

// OnReload registers a callback run after a snapshot is accepted.
func (s *Store) OnReload(fn func(old, new logic.Parameters)) {
	s.mu.Lock()
	s.onReload = append(s.onReload, fn)
	s.mu.Unlock()
}

// OnReject registers a callback run when a snapshot is rejected.
func (s *Store) OnReject(fn func(error)) {
	s.mu.Lock()
	s.onReject = append(s.onReject, fn)
	s.mu.Unlock()
}

// Reload validates p and swaps it in. On error the previous snapshot stays.
func (s *Store) Reload(p logic.Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Validate(p); err != nil {
		s.reject(err)
		return err
	}

	old := *s.cur.Load()
	s.cur.Store(&p)
	log.Info().
		Dur("debounce_window", p.DebounceWindow).
		Dur("min_open_time", p.MinOpenTime).
		Dur("max_open_time", p.MaxOpenTime).
		Dur("min_cooldown_time", p.MinCooldownTime).
		Dur("sensor_timeout", p.SensorTimeout).
		Msg("Parameters reloaded")
	for _, fn := range s.onReload {
		fn(old, p)
	}
	return nil
}

// ReloadFrom loads a snapshot from src and applies it. A source that cannot
// be read is reported as a config fault too.
func (s *Store) ReloadFrom(src Source) error {
	p, err := src.Load()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConfigFault, err)
		s.mu.Lock()
		s.reject(err)
		s.mu.Unlock()
		return err
	}
	return s.Reload(p)
}

// reject must be called with mu held.
func (s *Store) reject(err error) {
	log.Warn().Err(err).Msg("Parameter snapshot rejected, keeping previous")
	for _, fn := range s.onReject {
		fn(err)
	}
}
