package params

import (
	"errors"
	"os"
	"path/filepath"
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

func validParams() logic.Parameters {
	return logic.Parameters{
		DetectThreshold: 0.5,
		QualityFloor:    0.5,
		DebounceWindow:  200 * time.Millisecond,
		MinOpenTime:     time.Second,
		MinCooldownTime: 2 * time.Second,
		MaxOpenTime:     5 * time.Second,
		SensorTimeout:   3 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *logic.Parameters)
		ok     bool
	}{
		{"valid", func(p *logic.Parameters) {}, true},
		{"zero debounce", func(p *logic.Parameters) { p.DebounceWindow = 0 }, false},
		{"negative cooldown", func(p *logic.Parameters) { p.MinCooldownTime = -time.Second }, false},
		{"zero sensor timeout", func(p *logic.Parameters) { p.SensorTimeout = 0 }, false},
		{"min open equals max", func(p *logic.Parameters) { p.MinOpenTime = p.MaxOpenTime }, false},
		{"min open above max", func(p *logic.Parameters) { p.MinOpenTime = 10 * time.Second }, false},
		{"negative ack timeout", func(p *logic.Parameters) { p.AckTimeout = -1 }, false},
		{"zero ack timeout inherits", func(p *logic.Parameters) { p.AckTimeout = 0 }, true},
		{"quality floor above one", func(p *logic.Parameters) { p.QualityFloor = 1.5 }, false},
		{"negative threshold", func(p *logic.Parameters) { p.DetectThreshold = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := Validate(p)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrConfigFault) {
					t.Errorf("expected ErrConfigFault, got %v", err)
				}
			}
		})
	}
}

func TestNewStoreRejectsInvalid(t *testing.T) {
	p := validParams()
	p.MaxOpenTime = 0
	if _, err := NewStore(p); err == nil {
		t.Error("expected error for invalid initial snapshot")
	}
}

func TestReloadAccepted(t *testing.T) {
	s, err := NewStore(validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var gotOld, gotNew logic.Parameters
	calls := 0
	s.OnReload(func(old, new logic.Parameters) {
		gotOld, gotNew = old, new
		calls++
	})

	next := validParams()
	next.MaxOpenTime = 10 * time.Second
	if err := s.Reload(next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.Load().MaxOpenTime != 10*time.Second {
		t.Errorf("expected new snapshot, got %v", s.Load().MaxOpenTime)
	}
	if calls != 1 {
		t.Fatalf("expected 1 reload callback, got %d", calls)
	}
	if gotOld.MaxOpenTime != 5*time.Second || gotNew.MaxOpenTime != 10*time.Second {
		t.Errorf("callback got old=%v new=%v", gotOld.MaxOpenTime, gotNew.MaxOpenTime)
	}
}

// Reload with min_open_time >= max_open_time is rejected and the prior
// snapshot remains in effect.
func TestReloadRejectedKeepsPrevious(t *testing.T) {
	s, _ := NewStore(validParams())

	var rejected []error
	s.OnReject(func(err error) { rejected = append(rejected, err) })
	s.OnReload(func(old, new logic.Parameters) { t.Error("reload callback must not run") })

	bad := validParams()
	bad.MinOpenTime = 6 * time.Second
	err := s.Reload(bad)
	if !errors.Is(err, ErrConfigFault) {
		t.Fatalf("expected ErrConfigFault, got %v", err)
	}
	if s.Load() != validParams() {
		t.Errorf("snapshot changed after rejected reload: %+v", s.Load())
	}
	if len(rejected) != 1 {
		t.Errorf("expected 1 reject callback, got %d", len(rejected))
	}
}

func TestReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "valved.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	s, _ := NewStore(validParams())
	src := FileSource{Path: path}

	write("parameters:\n  min_open_time: 2s\n  max_open_time: 8s\n")
	if err := s.ReloadFrom(src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Load().MaxOpenTime != 8*time.Second {
		t.Errorf("expected max_open_time 8s, got %v", s.Load().MaxOpenTime)
	}

	write("parameters:\n  min_open_time: 9s\n  max_open_time: 8s\n")
	if err := s.ReloadFrom(src); !errors.Is(err, ErrConfigFault) {
		t.Errorf("expected ErrConfigFault, got %v", err)
	}
	if s.Load().MinOpenTime != 2*time.Second {
		t.Errorf("expected previous snapshot retained, got %v", s.Load().MinOpenTime)
	}

	write("parameters: [")
	if err := s.ReloadFrom(src); !errors.Is(err, ErrConfigFault) {
		t.Errorf("expected ErrConfigFault for unreadable file, got %v", err)
	}
}

// Readers never see a torn snapshot while reloads race with them.
func TestConcurrentLoadReload(t *testing.T) {
	a := validParams()
	b := validParams()
	b.MinOpenTime = 2 * time.Second
	b.MaxOpenTime = 20 * time.Second
	s, _ := NewStore(a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				s.Reload(b)
			} else {
				s.Reload(a)
			}
		}
	}()

	for i := 0; i < 10000; i++ {
		p := s.Load()
		if p != a && p != b {
			t.Fatalf("torn snapshot: %+v", p)
		}
	}
	close(stop)
	wg.Wait()
}
