package logging

import "time"

// #region event-types
// Event types recorded during an evaluation run.
const (
	EventResumed       = "resumed"
	EventStarted       = "started"
	EventCleanMeasured = "clean_measured"
	EventAttackDone    = "attack_done"
	EventAttackSkipped = "attack_skipped"
	EventFinished      = "finished"
)

// #endregion event-types

// #region run-event
// RunEvent is a single row in the run_events table.
type RunEvent struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	AttackID   string    `db:"attack_id" json:"attack_id,omitempty"`
	EventType  string    `db:"event_type" json:"event_type"`
	DetailJSON string    `db:"detail_json" json:"detail_json,omitempty"`
	CreatedAt  time.Time `db:"-" json:"created_at"`
}

// #endregion run-event

// #region attack-detail
// AttackDetail is serialized into run_events.detail_json for attack_done
// rows so the robust fraction can be traced per attack.
type AttackDetail struct {
	Attacked       int     `json:"attacked"`
	Broken         int     `json:"broken"`
	RobustAccuracy float64 `json:"robust_accuracy"`
	Duration       string  `json:"duration"`
}

// #endregion attack-detail
