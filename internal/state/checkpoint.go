package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// #region record
// record is the on-disk checkpoint layout. Key names are shared with the
// Python evaluation tool so either side can resume the other's runs.
type record struct {
	AttacksToRun  AttackSet  `json:"_attacks_to_run"`
	Path          string     `json:"path"`
	RunAttacks    AttackSet  `json:"_run_attacks"`
	RobustFlags   []bool     `json:"_robust_flags"`
	LastSaved     string     `json:"_last_saved"`
	SaveTimeout   int        `json:"_SAVE_TIMEOUT"`
	CleanAccuracy floatField `json:"_clean_accuracy"`
}

// floatField encodes non-finite values as strings since JSON has no NaN.
type floatField float64

func (f floatField) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"nan"`), nil
	case math.IsInf(v, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-inf"`), nil
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

func (f *floatField) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = floatField(math.NaN())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("parse float %q: %w", s, err)
		}
		*f = floatField(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = floatField(v)
	return nil
}

// #endregion record

// #region to-disk
// ToDisk writes the checkpoint when a path is configured and either force
// is set or the save interval has elapsed. lastSaved is advanced before
// the write so a failing sink is retried at most once per interval.
// Failures are reported as warnings and never returned.
func (s *EvaluationState) ToDisk(force bool) {
	if s.path == "" {
		return
	}
	now := s.now()
	if !force && now.Sub(s.lastSaved) < s.SaveTimeout() {
		return
	}
	s.lastSaved = now

	payload, err := s.marshal()
	if err != nil {
		s.warner.Warnf("failed to save evaluation state: %v", err)
		return
	}
	if err := writeFileAtomic(s.path, payload); err != nil {
		s.warner.Warnf("failed to save evaluation state: %v", err)
		s.warner.Warnf("cannot save %s", s.path)
		return
	}
	if s.recorder != nil {
		if err := s.recorder.RecordCheckpoint(s.path, payload, now); err != nil {
			s.warner.Warnf("failed to record checkpoint history: %v", err)
		}
	}
}

func (s *EvaluationState) marshal() ([]byte, error) {
	rec := record{
		AttacksToRun:  s.attacksToRun,
		Path:          s.path,
		RunAttacks:    s.runAttacks,
		RobustFlags:   s.robustFlags,
		LastSaved:     s.lastSaved.Format(time.RFC3339Nano),
		SaveTimeout:   s.saveTimeout,
		CleanAccuracy: floatField(s.cleanAccuracy),
	}
	if rec.AttacksToRun == nil {
		rec.AttacksToRun = make(AttackSet)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation state: %w", err)
	}
	return b, nil
}

// writeFileAtomic replaces path in one rename so readers never observe a
// partially written checkpoint.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// #endregion to-disk

// #region from-disk
// nonFiniteTokens are the bare literals Python's json module emits.
var nonFiniteTokens = []string{"-Infinity", "Infinity", "NaN"}

// quoteNonFinite wraps bare NaN/Infinity literals in quotes so the
// document decodes. String contents are copied untouched.
func quoteNonFinite(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	inString, escaped := false, false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if tok := nonFiniteAt(data[i:]); tok != "" {
			out = append(out, '"')
			out = append(out, tok...)
			out = append(out, '"')
			i += len(tok) - 1
			continue
		}
		out = append(out, c)
	}
	return out
}

func nonFiniteAt(b []byte) string {
	for _, tok := range nonFiniteTokens {
		if bytes.HasPrefix(b, []byte(tok)) {
			return tok
		}
	}
	return ""
}

// lastSavedLayouts are tried in order. The naive forms cover Python's
// str(datetime) and isoformat() output.
var lastSavedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// FromDisk rebuilds a state from a checkpoint written by ToDisk. The path
// stored in the file wins over the argument; a mismatch is only warned
// about since checkpoints may be copied between machines. Options are
// applied after decoding, so WithSaveTimeout overrides _SAVE_TIMEOUT.
func FromDisk(path string, opts ...Option) (*EvaluationState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evaluation state: %w", err)
	}
	data = quoteNonFinite(data)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataCorruption, path, err)
	}
	for _, key := range []string{"path", "_robust_flags", "_last_saved"} {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("%w: %s: missing key %q", ErrDataCorruption, path, key)
		}
	}

	s := &EvaluationState{
		saveTimeout:   int(DefaultSaveTimeout / time.Second),
		cleanAccuracy: math.NaN(),
	}
	if string(fields["path"]) == "null" {
		return nil, fmt.Errorf("%w: path is null", ErrDataCorruption)
	}
	if err := json.Unmarshal(fields["path"], &s.path); err != nil {
		return nil, fmt.Errorf("%w: path: %v", ErrDataCorruption, err)
	}
	if err := json.Unmarshal(fields["_robust_flags"], &s.robustFlags); err != nil {
		return nil, fmt.Errorf("%w: _robust_flags: %v", ErrDataCorruption, err)
	}

	var lastSaved string
	if err := json.Unmarshal(fields["_last_saved"], &lastSaved); err != nil {
		return nil, fmt.Errorf("%w: _last_saved: %v", ErrDataCorruption, err)
	}
	if s.lastSaved, err = parseLastSaved(lastSaved); err != nil {
		return nil, fmt.Errorf("%w: _last_saved: %v", ErrDataCorruption, err)
	}

	if s.attacksToRun, err = parseAttackSet(fields["_attacks_to_run"]); err != nil {
		return nil, fmt.Errorf("%w: _attacks_to_run: %v", ErrDataCorruption, err)
	}
	if s.runAttacks, err = parseAttackSet(fields["_run_attacks"]); err != nil {
		return nil, fmt.Errorf("%w: _run_attacks: %v", ErrDataCorruption, err)
	}

	if raw, ok := fields["_SAVE_TIMEOUT"]; ok && string(raw) != "null" {
		var secs float64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return nil, fmt.Errorf("%w: _SAVE_TIMEOUT: %v", ErrDataCorruption, err)
		}
		s.saveTimeout = int(secs)
	}
	if raw, ok := fields["_clean_accuracy"]; ok {
		var acc floatField
		if err := json.Unmarshal(raw, &acc); err != nil {
			return nil, fmt.Errorf("%w: _clean_accuracy: %v", ErrDataCorruption, err)
		}
		s.cleanAccuracy = float64(acc)
	}

	s.apply(opts)
	if filepath.Clean(s.path) != filepath.Clean(path) {
		s.warner.Warnf("the given path %s is different from the one found in the state file (%s)", path, s.path)
	}
	return s, nil
}

func parseLastSaved(v string) (time.Time, error) {
	var firstErr error
	for _, layout := range lastSavedLayouts {
		t, err := time.ParseInLocation(layout, v, time.Local)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// #endregion from-disk
