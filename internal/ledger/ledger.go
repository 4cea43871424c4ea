// Package ledger keeps an append-only history of controller events in SQLite.
// The web UI reads recent entries from it; retention pruning keeps it bounded.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sweeney/valved/internal/logic"
)

// Ledger stores events.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and its schema.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			state_before TEXT,
			state_after TEXT,
			decision TEXT,
			reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append stores e. Events without an ID get a fresh UUID.
func (l *Ledger) Append(ctx context.Context, e logic.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, ts, kind, state_before, state_after, decision, reason) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), string(e.Kind), string(e.From), string(e.To), string(e.Decision), e.Reason)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Emit lets the ledger act as an event sink destination.
func (l *Ledger) Emit(ctx context.Context, e logic.Event) error {
	return l.Append(ctx, e)
}

// Recent returns up to limit events, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]logic.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, kind, state_before, state_after, decision, reason
		FROM events
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []logic.Event
	for rows.Next() {
		var (
			e                          logic.Event
			ts                         int64
			kind                       string
			from, to, decision, reason sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &kind, &from, &to, &decision, &reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Kind = logic.EventKind(kind)
		e.From = logic.State(from.String)
		e.To = logic.State(to.String)
		e.Decision = logic.Decision(decision.String)
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than now-retention and returns how many.
func (l *Ledger) Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, now.Add(-retention).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
