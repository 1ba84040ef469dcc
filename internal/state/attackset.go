package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AttackSet is an unordered set of attack identifiers.
type AttackSet map[string]struct{}

// NewAttackSet builds a set from ids.
func NewAttackSet(ids ...string) AttackSet {
	s := make(AttackSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s AttackSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id. Adding an existing id is a no-op.
func (s AttackSet) Add(id string) {
	s[id] = struct{}{}
}

// Len returns the number of ids.
func (s AttackSet) Len() int {
	return len(s)
}

// Sorted returns the ids in lexical order.
func (s AttackSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Difference returns the ids in s that are not in other.
func (s AttackSet) Difference(other AttackSet) AttackSet {
	out := make(AttackSet)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same ids.
func (s AttackSet) Equal(other AttackSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy. A nil set clones to an empty one.
func (s AttackSet) Clone() AttackSet {
	out := make(AttackSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MarshalJSON writes the set as a list.
func (s AttackSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// #region normalize
// parseAttackSet accepts whatever shape a checkpoint holds for an attack
// set: a list, a stringified list like "['apgd-ce', 'fab']" or
// "{apgd-ce, fab}", an object keyed by id, or null/absent.
func parseAttackSet(raw json.RawMessage) (AttackSet, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return make(AttackSet), nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return NewAttackSet(list...), nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return splitAttackString(str), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		out := make(AttackSet, len(obj))
		for id := range obj {
			out[id] = struct{}{}
		}
		return out, nil
	}

	return nil, fmt.Errorf("unsupported attack set %s", string(raw))
}

// splitAttackString strips the surrounding brackets and splits on commas.
// Each element is trimmed of whitespace and of the quotes a stringified
// list carries.
func splitAttackString(s string) AttackSet {
	s = strings.Trim(s, "[]{}")
	out := make(AttackSet)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		item = strings.Trim(item, `'"`)
		if item == "" {
			continue
		}
		out[item] = struct{}{}
	}
	return out
}

// #endregion normalize
