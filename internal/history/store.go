package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/montanaflynn/stats"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no checkpoint matches a lookup.
var ErrNotFound = errors.New("checkpoint not found")

// #region schema
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id   TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	path            TEXT NOT NULL,
	record_json     TEXT NOT NULL,
	runs_done       INTEGER NOT NULL,
	robust_accuracy REAL,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_path ON checkpoints(path, checkpoint_id);

CREATE TABLE IF NOT EXISTS run_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	attack_id   TEXT,
	event_type  TEXT NOT NULL,
	detail_json TEXT,
	created_at  TEXT NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id   TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	path            TEXT NOT NULL,
	record_json     TEXT NOT NULL,
	runs_done       INTEGER NOT NULL,
	robust_accuracy DOUBLE PRECISION,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_path ON checkpoints(path, checkpoint_id);

CREATE TABLE IF NOT EXISTS run_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	attack_id   TEXT,
	event_type  TEXT NOT NULL,
	detail_json TEXT,
	created_at  TEXT NOT NULL
);
`

func schemaFor(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return sqliteSchema, nil
	case "postgres":
		return postgresSchema, nil
	}
	return "", fmt.Errorf("unsupported history driver %q", driver)
}

// #endregion schema

// #region types
// Checkpoint is one persisted copy of an evaluation checkpoint.
type Checkpoint struct {
	ID             string          `json:"checkpoint_id"`
	SessionID      string          `json:"session_id"`
	Path           string          `json:"path"`
	Record         json.RawMessage `json:"record"`
	RunsDone       int             `json:"runs_done"`
	RobustAccuracy *float64        `json:"robust_accuracy,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type checkpointRow struct {
	ID             string          `db:"checkpoint_id"`
	SessionID      string          `db:"session_id"`
	Path           string          `db:"path"`
	RecordJSON     string          `db:"record_json"`
	RunsDone       int             `db:"runs_done"`
	RobustAccuracy sql.NullFloat64 `db:"robust_accuracy"`
	CreatedAt      string          `db:"created_at"`
}

func (r checkpointRow) toCheckpoint() Checkpoint {
	cp := Checkpoint{
		ID:        r.ID,
		SessionID: r.SessionID,
		Path:      r.Path,
		Record:    json.RawMessage(r.RecordJSON),
		RunsDone:  r.RunsDone,
	}
	if r.RobustAccuracy.Valid {
		acc := r.RobustAccuracy.Float64
		cp.RobustAccuracy = &acc
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
	return cp
}

// #endregion types

// #region store-struct
// Store keeps every checkpoint written during an evaluation so progress
// can be audited after the fact.
type Store struct {
	db        *sqlx.DB
	sessionID string
}

// #endregion store-struct

// #region constructor
// NewStore opens the history database and runs migrations. driver is
// "sqlite" (modernc) or "postgres" (lib/pq).
func NewStore(driver, dsn string) (*Store, error) {
	schema, err := schemaFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// #endregion constructor

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for use by other packages (e.g. logging).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// SetSession tags subsequent checkpoints with the given run session.
func (s *Store) SetSession(id string) {
	s.sessionID = id
}

// #region record-checkpoint
// RecordCheckpoint stores a written checkpoint payload. It satisfies
// state.Recorder.
func (s *Store) RecordCheckpoint(path string, payload []byte, savedAt time.Time) error {
	var summary struct {
		RunAttacks  []string `json:"_run_attacks"`
		RobustFlags []bool   `json:"_robust_flags"`
	}
	if err := json.Unmarshal(payload, &summary); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	var robustAcc interface{}
	if len(summary.RobustFlags) > 0 {
		data := make(stats.Float64Data, len(summary.RobustFlags))
		for i, f := range summary.RobustFlags {
			if f {
				data[i] = 1
			}
		}
		mean, err := data.Mean()
		if err == nil {
			robustAcc = mean
		}
	}

	id := ulid.MustNew(ulid.Timestamp(savedAt), ulid.DefaultEntropy()).String()
	_, err := s.db.Exec(s.db.Rebind(
		`INSERT INTO checkpoints (checkpoint_id, session_id, path, record_json, runs_done, robust_accuracy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, s.sessionID, path, string(payload), len(summary.RunAttacks), robustAcc,
		savedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// #endregion record-checkpoint

// #region get-checkpoint
const selectCheckpoint = `SELECT checkpoint_id, session_id, path, record_json, runs_done, robust_accuracy, created_at FROM checkpoints`

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(id string) (Checkpoint, error) {
	var row checkpointRow
	err := s.db.Get(&row, s.db.Rebind(selectCheckpoint+` WHERE checkpoint_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return row.toCheckpoint(), nil
}

// LatestCheckpoint returns the most recent checkpoint written to path.
func (s *Store) LatestCheckpoint(path string) (Checkpoint, error) {
	var row checkpointRow
	err := s.db.Get(&row, s.db.Rebind(selectCheckpoint+` WHERE path = ? ORDER BY checkpoint_id DESC LIMIT 1`), path)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("latest checkpoint for %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("latest checkpoint for %s: %w", path, err)
	}
	return row.toCheckpoint(), nil
}

// #endregion get-checkpoint

// #region list-checkpoints
// ListCheckpoints returns the most recent checkpoints, newest first.
func (s *Store) ListCheckpoints(limit int) ([]Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.Select(&rows, s.db.Rebind(selectCheckpoint+` ORDER BY checkpoint_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]Checkpoint, len(rows))
	for i, r := range rows {
		out[i] = r.toCheckpoint()
	}
	return out, nil
}

// #endregion list-checkpoints
