package report

import (
	"fmt"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
)

// #region harness
// Harness checks an evaluation snapshot against acceptance thresholds.
type Harness struct {
	thresholds Thresholds
}

// NewHarness creates a harness with the given thresholds.
func NewHarness(t Thresholds) *Harness {
	return &Harness{thresholds: t}
}

// Run scores the snapshot. Pending attacks do not fail the run but leave
// Complete false.
func (h *Harness) Run(snap state.Snapshot) Result {
	var metrics []Metric
	var failReasons []string

	// 1. Clean accuracy
	clean := Metric{Name: "clean_accuracy"}
	if snap.CleanAccuracy == nil {
		failReasons = append(failReasons, "clean accuracy not measured")
	} else {
		clean.Value = *snap.CleanAccuracy
		clean.Pass = clean.Value >= h.thresholds.MinCleanAccuracy
		if !clean.Pass {
			failReasons = append(failReasons, fmt.Sprintf("clean accuracy %.4f below %.4f", clean.Value, h.thresholds.MinCleanAccuracy))
		}
	}
	metrics = append(metrics, clean)

	// 2. Robust accuracy
	robust := Metric{Name: "robust_accuracy"}
	if snap.RobustAccuracy == nil {
		failReasons = append(failReasons, "robust accuracy not available")
	} else {
		robust.Value = *snap.RobustAccuracy
		robust.Pass = robust.Value >= h.thresholds.MinRobustAccuracy
		if !robust.Pass {
			failReasons = append(failReasons, fmt.Sprintf("robust accuracy %.4f below %.4f", robust.Value, h.thresholds.MinRobustAccuracy))
		}
	}
	metrics = append(metrics, robust)

	// 3. Pending attacks: informational
	pending := len(snap.PendingAttacks)
	metrics = append(metrics, Metric{
		Name:  "attacks_pending",
		Value: float64(pending),
		Pass:  pending == 0,
	})

	// 4. Gap between clean and robust accuracy: informational
	if snap.CleanAccuracy != nil && snap.RobustAccuracy != nil {
		metrics = append(metrics, Metric{
			Name:  "robust_gap",
			Value: *snap.CleanAccuracy - *snap.RobustAccuracy,
			Pass:  true,
		})
	}

	passed := len(failReasons) == 0
	reason := "all checks passed"
	if !passed {
		reason = fmt.Sprintf("report failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("report failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	} else if pending > 0 {
		reason = fmt.Sprintf("all checks passed, %d attacks pending", pending)
	}

	return Result{
		Passed:   passed,
		Complete: pending == 0,
		Metrics:  metrics,
		Reason:   reason,
		Snapshot: snap,
	}
}

// #endregion harness
