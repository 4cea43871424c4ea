package actuator

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
)

// Log is a console actuator: it logs each command and always confirms.
type Log struct {
	mu   sync.Mutex
	last logic.Action
}

// NewLog creates a console actuator.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) Apply(ctx context.Context, cmd logic.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	repeat := l.last == cmd.Action
	l.last = cmd.Action
	l.mu.Unlock()

	if repeat {
		log.Debug().Str("action", string(cmd.Action)).Uint64("command_id", cmd.ID).Msg("Valve already in position")
		return nil
	}
	log.Info().Str("action", string(cmd.Action)).Uint64("command_id", cmd.ID).Msg("VALVE " + string(cmd.Action))
	return nil
}

func (l *Log) Close() error { return nil }
