package gpio

import "sync"

// FakeLine is a test double for a requested GPIO line.
type FakeLine struct {
	mu sync.Mutex

	value int
	sets  []int

	// ReadError, if set, is returned by Value.
	ReadError error
	// SetError, if set, is returned by SetValue.
	SetError error

	// Mirror, if set, receives every value written to this line. Used to
	// wire a relay output to its feedback input.
	Mirror *FakeLine

	Closed bool
}

// NewFakeLine creates a line reading value.
func NewFakeLine(value int) *FakeLine {
	return &FakeLine{value: value}
}

func (f *FakeLine) Value() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	return f.value, nil
}

func (f *FakeLine) SetValue(v int) error {
	f.mu.Lock()
	if f.SetError != nil {
		err := f.SetError
		f.mu.Unlock()
		return err
	}
	f.value = v
	f.sets = append(f.sets, v)
	mirror := f.Mirror
	f.mu.Unlock()

	if mirror != nil {
		mirror.Set(v)
	}
	return nil
}

// Set changes the level seen by Value without recording a write.
func (f *FakeLine) Set(v int) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
}

// Writes returns every value written with SetValue.
func (f *FakeLine) Writes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.sets))
	copy(out, f.sets)
	return out
}

func (f *FakeLine) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}
