package state

import (
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"
)

// #region evaluation-state
// EvaluationState tracks the progress of a multi-attack robustness
// evaluation and checkpoints it to a JSON file so an interrupted run can
// resume. It is not safe for concurrent use.
type EvaluationState struct {
	attacksToRun  AttackSet
	path          string
	runAttacks    AttackSet
	robustFlags   []bool
	lastSaved     time.Time
	saveTimeout   int // seconds
	cleanAccuracy float64

	now      func() time.Time
	warner   Warner
	recorder Recorder
}

// #endregion evaluation-state

// #region constructor
// New creates a fresh state for the requested attacks. An empty path
// disables persistence.
func New(attacksToRun AttackSet, path string, opts ...Option) *EvaluationState {
	s := &EvaluationState{
		attacksToRun:  attacksToRun.Clone(),
		path:          path,
		runAttacks:    make(AttackSet),
		lastSaved:     neverSaved,
		saveTimeout:   int(DefaultSaveTimeout / time.Second),
		cleanAccuracy: math.NaN(),
	}
	s.apply(opts)
	return s
}

func (s *EvaluationState) apply(opts []Option) {
	s.now = time.Now
	s.warner = DefaultWarner()
	for _, opt := range opts {
		opt(s)
	}
}

// #endregion constructor

// #region robust-flags
// RobustFlags returns a copy of the per-sample verdicts, or nil before the
// first attack round.
func (s *EvaluationState) RobustFlags() []bool {
	if s.robustFlags == nil {
		return nil
	}
	out := make([]bool, len(s.robustFlags))
	copy(out, s.robustFlags)
	return out
}

// SetRobustFlags replaces the verdicts wholesale and forces a checkpoint.
func (s *EvaluationState) SetRobustFlags(flags []bool) {
	if flags == nil {
		s.robustFlags = nil
	} else {
		s.robustFlags = make([]bool, len(flags))
		copy(s.robustFlags, flags)
	}
	s.ToDisk(true)
}

// #endregion robust-flags

// #region run-attacks
// RunAttacks returns the attacks that have completed.
func (s *EvaluationState) RunAttacks() AttackSet {
	return s.runAttacks.Clone()
}

// AddRunAttack marks an attack as completed and checkpoints if the save
// interval has elapsed.
func (s *EvaluationState) AddRunAttack(attack string) {
	s.runAttacks.Add(attack)
	s.ToDisk(false)
}

// #endregion run-attacks

// #region attacks-to-run
// AttacksToRun returns the requested attacks.
func (s *EvaluationState) AttacksToRun() AttackSet {
	return s.attacksToRun.Clone()
}

// SetAttacksToRun always fails: the requested attacks are fixed by New.
func (s *EvaluationState) SetAttacksToRun(AttackSet) error {
	return fmt.Errorf("attacks_to_run cannot be set outside of the constructor: %w", ErrInvalidOperation)
}

// PendingAttacks returns the requested attacks that have not run yet.
func (s *EvaluationState) PendingAttacks() AttackSet {
	return s.attacksToRun.Difference(s.runAttacks)
}

// #endregion attacks-to-run

// #region accuracy
// CleanAccuracy returns the clean accuracy, NaN if not measured.
func (s *EvaluationState) CleanAccuracy() float64 {
	return s.cleanAccuracy
}

// SetCleanAccuracy stores the clean accuracy and forces a checkpoint.
func (s *EvaluationState) SetCleanAccuracy(acc float64) {
	s.cleanAccuracy = acc
	s.ToDisk(true)
}

// RobustAccuracy returns the fraction of samples that survived every
// attack run so far. It warns, but still answers, when some requested
// attacks are pending.
func (s *EvaluationState) RobustAccuracy() (float64, error) {
	if s.robustFlags == nil {
		return 0, fmt.Errorf("robust_flags is not set yet, attack has not started: %w", ErrPrecondition)
	}
	if s.PendingAttacks().Len() > 0 {
		s.warner.Warnf("robust accuracy requested before all attacks have run")
	}
	return meanFlags(s.robustFlags), nil
}

func meanFlags(flags []bool) float64 {
	data := make(stats.Float64Data, len(flags))
	for i, f := range flags {
		if f {
			data[i] = 1
		}
	}
	mean, err := stats.Mean(data)
	if err != nil {
		return math.NaN()
	}
	return mean
}

// #endregion accuracy

// #region accessors
// Path returns the checkpoint file path ("" when persistence is off).
func (s *EvaluationState) Path() string {
	return s.path
}

// LastSaved returns the time of the last write attempt.
func (s *EvaluationState) LastSaved() time.Time {
	return s.lastSaved
}

// SaveTimeout returns the minimum spacing between non-forced writes.
func (s *EvaluationState) SaveTimeout() time.Duration {
	return time.Duration(s.saveTimeout) * time.Second
}

// Snapshot returns a JSON-friendly copy of the state without emitting
// warnings.
func (s *EvaluationState) Snapshot() Snapshot {
	snap := Snapshot{
		Path:           s.path,
		AttacksToRun:   s.attacksToRun.Sorted(),
		RunAttacks:     s.runAttacks.Sorted(),
		PendingAttacks: s.PendingAttacks().Sorted(),
		NumSamples:     len(s.robustFlags),
		LastSaved:      s.lastSaved,
	}
	for _, f := range s.robustFlags {
		if f {
			snap.NumRobust++
		}
	}
	if !math.IsNaN(s.cleanAccuracy) {
		acc := s.cleanAccuracy
		snap.CleanAccuracy = &acc
	}
	if len(s.robustFlags) > 0 {
		acc := meanFlags(s.robustFlags)
		snap.RobustAccuracy = &acc
	}
	return snap
}

// #endregion accessors
