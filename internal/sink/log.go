package sink

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
)

// LogEmitter writes every event to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, e logic.Event) error {
	var ev *zerolog.Event
	switch e.Kind {
	case logic.EventFault, logic.EventConfigFault:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev = ev.Str("event_id", e.ID).Str("kind", string(e.Kind)).Time("at", e.Timestamp)
	if e.From != "" {
		ev = ev.Str("from", string(e.From)).Str("to", string(e.To))
	}
	if e.Decision != "" {
		ev = ev.Str("decision", string(e.Decision))
	}
	ev.Msg(e.Reason)
	return nil
}
