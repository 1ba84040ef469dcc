package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/attack"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/history"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/logging"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/report"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
)

// #region mocks
type mockService struct {
	mock.Mock
}

func (m *mockService) EvaluateClean(ctx context.Context) (attack.CleanResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(attack.CleanResult), args.Error(1)
}

func (m *mockService) RunAttack(ctx context.Context, attackID string, indices []int) ([]bool, error) {
	args := m.Called(ctx, attackID, indices)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]bool), args.Error(1)
}

type nopWarner struct{}

func (nopWarner) Warnf(string, ...interface{}) {}

// #endregion

// #region helpers
func freshState(t *testing.T, attacks ...string) (*state.EvaluationState, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return state.New(state.NewAttackSet(attacks...), path, state.WithWarner(nopWarner{})), path
}

func newRunner(st *state.EvaluationState, svc AttackService, opts ...Option) *Runner {
	return New(st, svc, report.NewHarness(report.DefaultThresholds()), opts...)
}

// #endregion

func TestRunFreshEvaluation(t *testing.T) {
	st, path := freshState(t, "a", "b")
	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).
		Return(attack.CleanResult{Accuracy: 0.75, Correct: []bool{true, true, false, true}}, nil).Once()
	svc.On("RunAttack", mock.Anything, "a", []int{0, 1, 3}).Return([]bool{true, false, true}, nil).Once()
	svc.On("RunAttack", mock.Anything, "b", []int{0, 3}).Return([]bool{false, true}, nil).Once()

	res, err := newRunner(st, svc, WithOrder([]string{"a", "b"})).Run(context.Background())
	require.NoError(t, err)
	svc.AssertExpectations(t)

	assert.True(t, res.Passed, res.Reason)
	assert.True(t, res.Complete)
	assert.Equal(t, []bool{false, false, false, true}, st.RobustFlags())
	acc, err := st.RobustAccuracy()
	require.NoError(t, err)
	assert.Equal(t, 0.25, acc)

	loaded, err := state.FromDisk(path, state.WithWarner(nopWarner{}))
	require.NoError(t, err)
	assert.True(t, loaded.RunAttacks().Equal(state.NewAttackSet("a", "b")))
	assert.Equal(t, st.RobustFlags(), loaded.RobustFlags())
	assert.Equal(t, 0.75, loaded.CleanAccuracy())
}

func TestRunResumeSkipsCompletedAttacks(t *testing.T) {
	st, _ := freshState(t, "a", "b")
	st.SetRobustFlags([]bool{true, false, true})
	st.SetCleanAccuracy(0.66)
	st.AddRunAttack("a")

	svc := &mockService{}
	svc.On("RunAttack", mock.Anything, "b", []int{0, 2}).Return([]bool{true, true}, nil).Once()

	_, err := newRunner(st, svc).Run(context.Background())
	require.NoError(t, err)
	svc.AssertExpectations(t)
	svc.AssertNotCalled(t, "EvaluateClean", mock.Anything)
	svc.AssertNotCalled(t, "RunAttack", mock.Anything, "a", mock.Anything)
}

func TestRunKeepsFlagsWhenOnlyCleanAccuracyMissing(t *testing.T) {
	st, _ := freshState(t, "a")
	st.SetRobustFlags([]bool{false, true})
	st.AddRunAttack("a")

	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).
		Return(attack.CleanResult{Accuracy: 1, Correct: []bool{true, true}}, nil).Once()

	_, err := newRunner(st, svc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, st.RobustFlags())
	assert.Equal(t, 1.0, st.CleanAccuracy())
}

func TestRunAttackErrorStopsAndCheckpoints(t *testing.T) {
	st, path := freshState(t, "a", "b")
	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).
		Return(attack.CleanResult{Accuracy: 1, Correct: []bool{true, true}}, nil)
	svc.On("RunAttack", mock.Anything, "a", []int{0, 1}).Return([]bool{false, true}, nil)
	boom := errors.New("gpu fell over")
	svc.On("RunAttack", mock.Anything, "b", []int{1}).Return(nil, boom)

	_, err := newRunner(st, svc, WithOrder([]string{"a", "b"})).Run(context.Background())
	require.ErrorIs(t, err, boom)

	loaded, err := state.FromDisk(path, state.WithWarner(nopWarner{}))
	require.NoError(t, err)
	assert.True(t, loaded.RunAttacks().Equal(state.NewAttackSet("a")))
	assert.Equal(t, []bool{false, true}, loaded.RobustFlags())
}

func TestRunVerdictCountMismatch(t *testing.T) {
	st, _ := freshState(t, "a")
	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).
		Return(attack.CleanResult{Accuracy: 1, Correct: []bool{true, true}}, nil)
	svc.On("RunAttack", mock.Anything, "a", []int{0, 1}).Return([]bool{true}, nil)

	_, err := newRunner(st, svc).Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, st.RunAttacks().Len())
}

func TestRunCleanPassError(t *testing.T) {
	st, _ := freshState(t, "a")
	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).Return(attack.CleanResult{}, errors.New("unreachable"))

	_, err := newRunner(st, svc).Run(context.Background())
	assert.Error(t, err)
	assert.Nil(t, st.RobustFlags())
}

func TestRunNoRobustSamplesSkipsCall(t *testing.T) {
	st, _ := freshState(t, "a")
	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).
		Return(attack.CleanResult{Accuracy: 0, Correct: []bool{false, false}}, nil)

	res, err := newRunner(st, svc).Run(context.Background())
	require.NoError(t, err)
	svc.AssertNotCalled(t, "RunAttack", mock.Anything, mock.Anything, mock.Anything)
	assert.True(t, st.RunAttacks().Has("a"))
	assert.True(t, res.Complete)
}

func TestRunCancelled(t *testing.T) {
	st, _ := freshState(t, "a")
	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).
		Return(attack.CleanResult{Accuracy: 1, Correct: []bool{true}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newRunner(st, svc).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	svc.AssertNotCalled(t, "RunAttack", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunRecordsEvents(t *testing.T) {
	store, err := history.NewStore("sqlite", filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	st, _ := freshState(t, "a")
	svc := &mockService{}
	svc.On("EvaluateClean", mock.Anything).
		Return(attack.CleanResult{Accuracy: 1, Correct: []bool{true}}, nil)
	svc.On("RunAttack", mock.Anything, "a", []int{0}).Return([]bool{false}, nil)

	r := newRunner(st, svc, WithEvents(store.DB()), WithSessionID("session-x"))
	assert.Equal(t, "session-x", r.SessionID())
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	events, err := logging.ListEvents(store.DB(), "session-x")
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		logging.EventStarted,
		logging.EventCleanMeasured,
		logging.EventAttackDone,
		logging.EventFinished,
	}, types)
	assert.Equal(t, "a", events[2].AttackID)
	var detail logging.AttackDetail
	require.NoError(t, json.Unmarshal([]byte(events[2].DetailJSON), &detail))
	assert.Equal(t, 1, detail.Attacked)
	assert.Equal(t, 1, detail.Broken)
	assert.Equal(t, 0.0, detail.RobustAccuracy)
}

func TestNewGeneratesSessionID(t *testing.T) {
	st, _ := freshState(t, "a")
	r1 := newRunner(st, &mockService{})
	r2 := newRunner(st, &mockService{})
	assert.NotEmpty(t, r1.SessionID())
	assert.NotEqual(t, r1.SessionID(), r2.SessionID())
}

func TestPlan(t *testing.T) {
	requested := state.NewAttackSet("square", "apgd-ce", "fab", "apgd-t")
	got := Plan(requested, []string{"apgd-ce", "unknown", "apgd-t", "apgd-ce"})
	assert.Equal(t, []string{"apgd-ce", "apgd-t", "fab", "square"}, got)
}

// #region resume-tests
func TestResumeFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st, resumed, err := Resume(path, state.NewAttackSet("a"), 5*time.Second, state.WithWarner(nopWarner{}))
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, 5*time.Second, st.SaveTimeout())
	assert.Equal(t, path, st.Path())
}

func TestResumeExisting(t *testing.T) {
	st, path := freshState(t, "a", "b")
	st.SetRobustFlags([]bool{true})
	st.AddRunAttack("a")

	loaded, resumed, err := Resume(path, state.NewAttackSet("c"), 5*time.Second, state.WithWarner(nopWarner{}))
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, 5*time.Second, loaded.SaveTimeout(), "configured interval replaces the stored one")
	assert.True(t, loaded.AttacksToRun().Equal(state.NewAttackSet("a", "b")), "checkpoint wins over configuration")
	assert.True(t, loaded.RunAttacks().Has("a"))
}

func TestResumeCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, _, err := Resume(path, state.NewAttackSet("a"), time.Minute)
	assert.ErrorIs(t, err, state.ErrDataCorruption)
}

// #endregion
