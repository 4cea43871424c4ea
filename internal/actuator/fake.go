package actuator

import (
	"context"
	"errors"
	"sync"

	"github.com/sweeney/valved/internal/logic"
)

// Fake is a test double that records commands.
type Fake struct {
	mu       sync.Mutex
	commands []logic.Command
	failNext error
	hold     bool
	release  chan struct{}
	faults   chan error
}

// NewFake creates a fake actuator that confirms every command.
func NewFake() *Fake {
	return &Fake{
		release: make(chan struct{}),
		faults:  make(chan error, 4),
	}
}

// Apply records cmd. In hold mode it blocks until Release or ctx expiry.
func (f *Fake) Apply(ctx context.Context, cmd logic.Command) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	err := f.failNext
	f.failNext = nil
	hold := f.hold
	release := f.release
	f.mu.Unlock()

	if hold {
		select {
		case <-ctx.Done():
		case <-release:
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// FailNext makes the next Apply return err.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

// Hold makes Apply block, simulating an actuator that never confirms.
func (f *Fake) Hold() {
	f.mu.Lock()
	f.hold = true
	f.mu.Unlock()
}

// Release unblocks held commands and leaves hold mode.
func (f *Fake) Release() {
	f.mu.Lock()
	if f.hold {
		f.hold = false
		close(f.release)
		f.release = make(chan struct{})
	}
	f.mu.Unlock()
}

// InjectFault reports a spontaneous fault.
func (f *Fake) InjectFault(err error) {
	if err == nil {
		err = errors.New("injected fault")
	}
	f.faults <- err
}

func (f *Fake) Faults() <-chan error { return f.faults }

// Commands returns a copy of every command applied so far.
func (f *Fake) Commands() []logic.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]logic.Command, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *Fake) Close() error { return nil }
