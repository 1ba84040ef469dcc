package runner

// #region imports
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/attack"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/logging"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/report"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
)

// #endregion

// #region interfaces

// AttackService runs the clean pass and the attacks. *attack.Client
// satisfies it.
type AttackService interface {
	EvaluateClean(ctx context.Context) (attack.CleanResult, error)
	RunAttack(ctx context.Context, attackID string, indices []int) ([]bool, error)
}

// #endregion

// #region resume

// Resume loads the checkpoint at path if one exists, otherwise starts a
// fresh state for attacks. The boolean reports whether a checkpoint was
// loaded. A resumed state keeps its own requested attacks, but saveTimeout
// replaces the interval stored in the checkpoint.
func Resume(path string, attacks state.AttackSet, saveTimeout time.Duration, opts ...state.Option) (*state.EvaluationState, bool, error) {
	opts = append([]state.Option{state.WithSaveTimeout(saveTimeout)}, opts...)
	_, err := os.Stat(path)
	switch {
	case err == nil:
		st, err := state.FromDisk(path, opts...)
		if err != nil {
			return nil, false, fmt.Errorf("resume from %s: %w", path, err)
		}
		if !st.AttacksToRun().Equal(attacks) {
			log.Printf("[RUN] checkpoint requests %v, configuration requests %v; keeping checkpoint",
				st.AttacksToRun().Sorted(), attacks.Sorted())
		}
		return st, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return state.New(attacks, path, opts...), false, nil
	default:
		return nil, false, fmt.Errorf("stat %s: %w", path, err)
	}
}

// #endregion

// #region runner-struct

// Runner drives an evaluation: the clean pass, then every pending attack
// on the samples that are still robust. It is the only mutator of its
// state.
type Runner struct {
	state     *state.EvaluationState
	attacks   AttackService
	harness   *report.Harness
	order     []string
	events    *sqlx.DB
	sessionID string
}

// Option configures a Runner.
type Option func(*Runner)

// WithEvents records run events in db (see logging.LogEvent).
func WithEvents(db *sqlx.DB) Option {
	return func(r *Runner) { r.events = db }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(r *Runner) { r.sessionID = id }
}

// WithOrder sets the preferred attack order.
func WithOrder(order []string) Option {
	return func(r *Runner) { r.order = order }
}

// New creates a runner over st.
func New(st *state.EvaluationState, svc AttackService, harness *report.Harness, opts ...Option) *Runner {
	r := &Runner{
		state:     st,
		attacks:   svc,
		harness:   harness,
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID identifies this process's run in history and events.
func (r *Runner) SessionID() string {
	return r.sessionID
}

// #endregion

// #region plan

// Plan orders the requested attacks: preferred ids first, in the given
// order, then any remaining requested ids sorted. Ids that were not
// requested are dropped.
func Plan(requested state.AttackSet, preferred []string) []string {
	seen := make(state.AttackSet)
	var out []string
	for _, id := range preferred {
		if requested.Has(id) && !seen.Has(id) {
			seen.Add(id)
			out = append(out, id)
		}
	}
	return append(out, requested.Difference(seen).Sorted()...)
}

// #endregion

// #region run

// Run evaluates until every requested attack has run or ctx is cancelled.
// Progress is checkpointed through the state after every step, so a
// cancelled or crashed run resumes where it stopped.
func (r *Runner) Run(ctx context.Context) (report.Result, error) {
	r.logEvent(logging.EventStarted, "", map[string]interface{}{
		"run_attacks":    r.state.RunAttacks().Sorted(),
		"attacks_to_run": r.state.AttacksToRun().Sorted(),
	})

	if err := r.ensureClean(ctx); err != nil {
		return report.Result{}, err
	}

	for _, id := range Plan(r.state.AttacksToRun(), r.order) {
		if err := ctx.Err(); err != nil {
			r.state.ToDisk(true)
			return report.Result{}, err
		}
		if r.state.RunAttacks().Has(id) {
			log.Printf("[RUN] skip %s: already run", id)
			r.logEvent(logging.EventAttackSkipped, id, nil)
			continue
		}
		if err := r.runAttack(ctx, id); err != nil {
			r.state.ToDisk(true)
			return report.Result{}, err
		}
	}

	r.state.ToDisk(true)
	if acc, err := r.state.RobustAccuracy(); err == nil {
		log.Printf("[RUN] finished: clean=%.4f robust=%.4f", r.state.CleanAccuracy(), acc)
	}

	res := r.harness.Run(r.state.Snapshot())
	r.logEvent(logging.EventFinished, "", map[string]interface{}{
		"passed": res.Passed,
		"reason": res.Reason,
	})
	return res, nil
}

// ensureClean runs the clean pass unless the checkpoint already has it.
// Existing verdicts are never reset, since they carry attack progress.
func (r *Runner) ensureClean(ctx context.Context) error {
	haveFlags := r.state.RobustFlags() != nil
	if haveFlags && !math.IsNaN(r.state.CleanAccuracy()) {
		return nil
	}

	res, err := r.attacks.EvaluateClean(ctx)
	if err != nil {
		return fmt.Errorf("clean pass: %w", err)
	}
	if !haveFlags {
		r.state.SetRobustFlags(res.Correct)
	}
	r.state.SetCleanAccuracy(res.Accuracy)

	log.Printf("[RUN] clean accuracy %.4f over %d samples", res.Accuracy, len(res.Correct))
	r.logEvent(logging.EventCleanMeasured, "", map[string]interface{}{
		"clean_accuracy": res.Accuracy,
		"samples":        len(res.Correct),
	})
	return nil
}

// runAttack attacks the still-robust samples and folds the verdicts back
// in. A sample only ever moves from robust to broken.
func (r *Runner) runAttack(ctx context.Context, id string) error {
	start := time.Now()
	flags := r.state.RobustFlags()

	var indices []int
	for i, f := range flags {
		if f {
			indices = append(indices, i)
		}
	}

	broken := 0
	if len(indices) > 0 {
		verdicts, err := r.attacks.RunAttack(ctx, id, indices)
		if err != nil {
			return fmt.Errorf("attack %s: %w", id, err)
		}
		if len(verdicts) != len(indices) {
			return fmt.Errorf("attack %s: %d verdicts for %d samples", id, len(verdicts), len(indices))
		}
		for i, idx := range indices {
			if !verdicts[i] {
				flags[idx] = false
				broken++
			}
		}
		r.state.SetRobustFlags(flags)
	}
	r.state.AddRunAttack(id)

	detail := logging.AttackDetail{
		Attacked: len(indices),
		Broken:   broken,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if snap := r.state.Snapshot(); snap.RobustAccuracy != nil {
		detail.RobustAccuracy = *snap.RobustAccuracy
	}
	log.Printf("[RUN] %s: attacked=%d broken=%d robust=%.4f (%s)",
		id, detail.Attacked, detail.Broken, detail.RobustAccuracy, detail.Duration)
	r.logEvent(logging.EventAttackDone, id, detail)
	return nil
}

// #endregion

// #region events

func (r *Runner) logEvent(eventType, attackID string, detail interface{}) {
	if r.events == nil {
		return
	}
	var detailJSON string
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			log.Printf("[RUN] marshal %s detail: %v", eventType, err)
		} else {
			detailJSON = string(b)
		}
	}
	err := logging.LogEvent(r.events, logging.RunEvent{
		SessionID:  r.sessionID,
		AttackID:   attackID,
		EventType:  eventType,
		DetailJSON: detailJSON,
	})
	if err != nil {
		log.Printf("[RUN] logging error: %v", err)
	}
}

// LogResumed records that the state came from an existing checkpoint.
func (r *Runner) LogResumed(path string) {
	r.logEvent(logging.EventResumed, "", map[string]interface{}{"path": path})
}

// #endregion
