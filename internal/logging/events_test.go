package logging

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE run_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		attack_id   TEXT,
		event_type  TEXT NOT NULL,
		detail_json TEXT,
		created_at  TEXT NOT NULL
	)`)
	require.NoError(t, err)
	return db
}

// #endregion helpers

// #region log-event-tests
func TestLogEvent_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	ev := RunEvent{
		SessionID:  "s1",
		AttackID:   "apgd-ce",
		EventType:  EventAttackDone,
		DetailJSON: `{"attacked":10,"broken":3}`,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, LogEvent(db, ev))

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM run_events"))
	assert.Equal(t, 1, count)

	events, err := ListEvents(db, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "apgd-ce", events[0].AttackID)
	assert.Equal(t, EventAttackDone, events[0].EventType)
	assert.True(t, events[0].CreatedAt.Equal(ev.CreatedAt))
}

func TestLogEvent_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, LogEvent(db, RunEvent{SessionID: "s2", EventType: EventStarted}))

	var createdAtStr string
	require.NoError(t, db.Get(&createdAtStr, "SELECT created_at FROM run_events"))
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	require.NoError(t, err)
	assert.False(t, createdAt.Before(before), "expected auto-filled created_at to be >= test start time")
}

func TestLogEvent_EmptyOptionalFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	require.NoError(t, LogEvent(db, RunEvent{SessionID: "s3", EventType: EventFinished}))

	var attackID, detail sql.NullString
	require.NoError(t, db.QueryRow("SELECT attack_id, detail_json FROM run_events").Scan(&attackID, &detail))
	assert.False(t, attackID.Valid, "expected NULL attack_id for empty string")
	assert.False(t, detail.Valid, "expected NULL detail_json for empty string")
}

func TestLogEvent_Error(t *testing.T) {
	db := setupDB(t)
	db.Close()

	err := LogEvent(db, RunEvent{SessionID: "s4", EventType: EventStarted})
	assert.Error(t, err)
}

// #endregion log-event-tests

// #region list-events-tests
func TestListEvents_FiltersBySession(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	require.NoError(t, LogEvent(db, RunEvent{SessionID: "a", EventType: EventStarted}))
	require.NoError(t, LogEvent(db, RunEvent{SessionID: "b", EventType: EventStarted}))
	require.NoError(t, LogEvent(db, RunEvent{SessionID: "a", EventType: EventFinished}))

	events, err := ListEvents(db, "a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].EventType)
	assert.Equal(t, EventFinished, events[1].EventType)

	all, err := ListEvents(db, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListEvents_Error(t *testing.T) {
	db := setupDB(t)
	db.Close()

	_, err := ListEvents(db, "")
	assert.Error(t, err)
}

// #endregion list-events-tests

// #region null-if-empty-tests
func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "hello", nullIfEmpty("hello"))
}

// #endregion null-if-empty-tests
