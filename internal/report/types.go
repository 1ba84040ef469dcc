package report

import "github.com/danielpatrickdp/robust-eval/go-controller/internal/state"

// #region thresholds
// Thresholds holds the acceptance bounds for a finished evaluation.
type Thresholds struct {
	MinCleanAccuracy  float64 `yaml:"min_clean_accuracy"`  // fail below this
	MinRobustAccuracy float64 `yaml:"min_robust_accuracy"` // fail below this
}

// DefaultThresholds accepts any measured result.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCleanAccuracy:  0,
		MinRobustAccuracy: 0,
	}
}

// #endregion thresholds

// #region metric
// Metric captures a single check result.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// #endregion metric

// #region result
// Result is the output of evaluating a run against its thresholds.
type Result struct {
	Passed   bool           `json:"passed"`
	Complete bool           `json:"complete"`
	Metrics  []Metric       `json:"metrics"`
	Reason   string         `json:"reason"`
	Snapshot state.Snapshot `json:"snapshot"`
}

// #endregion result
