package statusapi

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/history"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/report"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
)

const defaultListLimit = 20

// #region server
// Server exposes evaluation progress over HTTP. It reads the checkpoint
// file and the history database, never the live state, so it can run
// beside the evaluation process.
type Server struct {
	router         chi.Router
	checkpointPath string
	store          *history.Store
	harness        *report.Harness
	warner         state.Warner
}

// NewServer builds the router. store may be nil when history is disabled.
func NewServer(checkpointPath string, store *history.Store, harness *report.Harness, warner state.Warner) *Server {
	s := &Server{
		checkpointPath: checkpointPath,
		store:          store,
		harness:        harness,
		warner:         warner,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Get("/report", s.handleReport)
	r.Get("/checkpoints", s.handleListCheckpoints)
	r.Get("/checkpoints/{id}", s.handleGetCheckpoint)

	s.router = r
	return s
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// #endregion server

// #region handlers
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.loadState(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.loadState(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.harness.Run(st.Snapshot()))
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "checkpoint history is disabled")
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	cps, err := s.store.ListCheckpoints(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "checkpoint history is disabled")
		return
	}
	cp, err := s.store.GetCheckpoint(chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// #endregion handlers

// #region helpers
func (s *Server) loadState(w http.ResponseWriter) (*state.EvaluationState, bool) {
	st, err := state.FromDisk(s.checkpointPath, state.WithWarner(s.warner))
	switch {
	case err == nil:
		return st, true
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "no checkpoint yet")
	case errors.Is(err, state.ErrDataCorruption):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return nil, false
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// #endregion helpers
