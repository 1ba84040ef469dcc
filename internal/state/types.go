package state

import (
	"errors"
	"log"
	"os"
	"time"
)

// #region errors
var (
	// ErrInvalidOperation is returned when a field that is fixed at
	// construction is modified.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrPrecondition is returned when a derived value is requested before
	// the data it depends on exists.
	ErrPrecondition = errors.New("precondition failed")
	// ErrDataCorruption is returned by FromDisk for malformed checkpoints.
	ErrDataCorruption = errors.New("corrupt evaluation state")
)

// #endregion errors

// #region defaults
const DefaultSaveTimeout = 60 * time.Second

// neverSaved is the lastSaved sentinel; the first ToDisk always persists.
var neverSaved = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

// #endregion defaults

// #region warner
// Warner receives non-fatal warnings (failed writes, moved checkpoints,
// early robust accuracy reads).
type Warner interface {
	Warnf(format string, args ...interface{})
}

// LogWarner writes warnings through a standard logger.
type LogWarner struct {
	Logger *log.Logger
}

// Warnf implements Warner.
func (w LogWarner) Warnf(format string, args ...interface{}) {
	l := w.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf("warning: "+format, args...)
}

// DefaultWarner logs to stderr.
func DefaultWarner() Warner {
	return LogWarner{Logger: log.New(os.Stderr, "", log.LstdFlags)}
}

// #endregion warner

// #region recorder
// Recorder is notified after every successful checkpoint write.
type Recorder interface {
	RecordCheckpoint(path string, payload []byte, savedAt time.Time) error
}

// #endregion recorder

// #region options
// Option configures an EvaluationState.
type Option func(*EvaluationState)

// WithWarner routes warnings to w.
func WithWarner(w Warner) Option {
	return func(s *EvaluationState) {
		if w != nil {
			s.warner = w
		}
	}
}

// WithClock overrides the wall clock used by the save throttle.
func WithClock(now func() time.Time) Option {
	return func(s *EvaluationState) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSaveTimeout sets the minimum spacing between non-forced writes.
// The checkpoint stores whole seconds.
func WithSaveTimeout(d time.Duration) Option {
	return func(s *EvaluationState) {
		if d >= 0 {
			s.saveTimeout = int(d / time.Second)
		}
	}
}

// WithRecorder attaches a checkpoint history recorder.
func WithRecorder(r Recorder) Option {
	return func(s *EvaluationState) {
		s.recorder = r
	}
}

// #endregion options

// #region snapshot
// Snapshot is a read-only copy of the state for reporting.
type Snapshot struct {
	Path           string    `json:"path"`
	AttacksToRun   []string  `json:"attacks_to_run"`
	RunAttacks     []string  `json:"run_attacks"`
	PendingAttacks []string  `json:"pending_attacks"`
	NumSamples     int       `json:"num_samples"`
	NumRobust      int       `json:"num_robust"`
	CleanAccuracy  *float64  `json:"clean_accuracy,omitempty"`
	RobustAccuracy *float64  `json:"robust_accuracy,omitempty"`
	LastSaved      time.Time `json:"last_saved"`
}

// #endregion snapshot
