package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/history"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/report"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
)

type nopWarner struct{}

func (nopWarner) Warnf(string, ...interface{}) {}

type fixture struct {
	server *Server
	path   string
	store  *history.Store
}

func newFixture(t *testing.T, withHistory bool) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{path: filepath.Join(dir, "state.json")}
	if withHistory {
		store, err := history.NewStore("sqlite", filepath.Join(dir, "history.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		f.store = store
	}
	f.server = NewServer(f.path, f.store, report.NewHarness(report.DefaultThresholds()), nopWarner{})
	return f
}

func (f fixture) writeState(t *testing.T) *state.EvaluationState {
	t.Helper()
	opts := []state.Option{state.WithWarner(nopWarner{})}
	if f.store != nil {
		opts = append(opts, state.WithRecorder(f.store))
	}
	st := state.New(state.NewAttackSet("apgd-ce", "fab"), f.path, opts...)
	st.SetRobustFlags([]bool{true, false, true, true})
	st.SetCleanAccuracy(0.9)
	st.AddRunAttack("apgd-ce")
	st.ToDisk(true)
	return st
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	rec := get(t, f.server, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStateBeforeCheckpoint(t *testing.T) {
	f := newFixture(t, false)
	rec := get(t, f.server, "/state")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStateSnapshot(t *testing.T) {
	f := newFixture(t, false)
	f.writeState(t)

	rec := get(t, f.server, "/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, []string{"apgd-ce", "fab"}, snap.AttacksToRun)
	assert.Equal(t, []string{"fab"}, snap.PendingAttacks)
	require.NotNil(t, snap.RobustAccuracy)
	assert.Equal(t, 0.75, *snap.RobustAccuracy)
}

func TestStateCorrupt(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, os.WriteFile(f.path, []byte("{"), 0o644))

	rec := get(t, f.server, "/state")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReport(t *testing.T) {
	f := newFixture(t, false)
	f.writeState(t)

	rec := get(t, f.server, "/report")
	require.Equal(t, http.StatusOK, rec.Code)

	var res report.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Passed)
	assert.False(t, res.Complete)
}

func TestCheckpointsDisabled(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusNotFound, get(t, f.server, "/checkpoints").Code)
	assert.Equal(t, http.StatusNotFound, get(t, f.server, "/checkpoints/abc").Code)
}

func TestCheckpointsListAndGet(t *testing.T) {
	f := newFixture(t, true)
	f.writeState(t)

	rec := get(t, f.server, "/checkpoints?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var cps []history.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cps))
	require.Len(t, cps, 2)
	assert.True(t, cps[0].CreatedAt.After(time.Time{}))

	rec = get(t, f.server, "/checkpoints/"+cps[0].ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var cp history.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cp))
	assert.Equal(t, cps[0].ID, cp.ID)
	assert.Equal(t, f.path, cp.Path)
}

func TestCheckpointNotFound(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusNotFound, get(t, f.server, "/checkpoints/missing").Code)
}

func TestCheckpointsBadLimit(t *testing.T) {
	f := newFixture(t, true)
	for _, q := range []string{"0", "-1", "many"} {
		assert.Equal(t, http.StatusBadRequest, get(t, f.server, "/checkpoints?limit="+q).Code, q)
	}
}
