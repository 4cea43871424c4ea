package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/valved/internal/logic"
)

// EventsJSON is the JSON representation of recent events.
type EventsJSON struct {
	Events []EventJSON `json:"events"`
}

// EventJSON is one ledger entry.
type EventJSON struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func formatEvents(events []logic.Event) []byte {
	out := EventsJSON{Events: make([]EventJSON, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, EventJSON{
			ID:        e.ID,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Kind:      string(e.Kind),
			From:      string(e.From),
			To:        string(e.To),
			Decision:  string(e.Decision),
			Reason:    e.Reason,
		})
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return data
}
