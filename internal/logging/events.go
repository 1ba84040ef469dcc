package logging

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// #region log-event
// LogEvent writes a run event to the run_events table.
func LogEvent(db *sqlx.DB, ev RunEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(db.Rebind(
		`INSERT INTO run_events (session_id, attack_id, event_type, detail_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		ev.SessionID,
		nullIfEmpty(ev.AttackID),
		ev.EventType,
		nullIfEmpty(ev.DetailJSON),
		ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// #endregion log-event

// #region list-events
type eventRow struct {
	ID         int64          `db:"id"`
	SessionID  string         `db:"session_id"`
	AttackID   sql.NullString `db:"attack_id"`
	EventType  string         `db:"event_type"`
	DetailJSON sql.NullString `db:"detail_json"`
	CreatedAt  string         `db:"created_at"`
}

// ListEvents returns the events of one session in insertion order. An
// empty sessionID lists every session.
func ListEvents(db *sqlx.DB, sessionID string) ([]RunEvent, error) {
	query := `SELECT id, session_id, attack_id, event_type, detail_json, created_at FROM run_events`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id`

	var rows []eventRow
	if err := db.Select(&rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]RunEvent, len(rows))
	for i, r := range rows {
		events[i] = RunEvent{
			ID:         r.ID,
			SessionID:  r.SessionID,
			AttackID:   r.AttackID.String,
			EventType:  r.EventType,
			DetailJSON: r.DetailJSON.String,
		}
		events[i].CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
	}
	return events, nil
}

// #endregion list-events

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
