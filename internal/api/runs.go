package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	defaultNextWait = 20 * time.Second
	// Long polls must end before the server's write timeout.
	maxNextWait = 25 * time.Second
)

// submitRunRequest is the JSON body for POST /v1/runs.
type submitRunRequest struct {
	Body    string        `json:"body"`
	Seed    uint64        `json:"seed"`
	Samples []sampleInput `json:"samples"`
}

type sampleInput struct {
	ID         int                    `json:"id"`
	Blackboard *blackboard.Blackboard `json:"blackboard"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// runResponse is the stored record of a run plus, while it is active, its
// live status.
type runResponse struct {
	Run     *model.Run           `json:"run,omitempty"`
	Samples []model.SampleRecord `json:"samples,omitempty"`
	Live    *engine.RunView      `json:"live,omitempty"`
}

type sampleResponse struct {
	model.SampleRecord
	Blackboard *blackboard.Blackboard `json:"blackboard"`
}

type resumeRequest struct {
	Token  string                 `json:"token"`
	Values *blackboard.Blackboard `json:"values"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Body == "" {
		s.writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	batch := engine.Batch{Body: req.Body, Seed: req.Seed, Samples: make([]engine.Input, len(req.Samples))}
	for i, in := range req.Samples {
		batch.Samples[i] = engine.Input{ID: in.ID, Blackboard: in.Blackboard}
	}

	run, err := s.engine.Submit(r.Context(), batch)
	switch {
	case errors.Is(err, engine.ErrRunActive):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, engine.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view := run.Snapshot()
	s.writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetActiveRun(w http.ResponseWriter, _ *http.Request) {
	run := s.engine.Active()
	if run == nil {
		s.writeError(w, http.StatusNotFound, "no active run")
		return
	}
	s.writeJSON(w, http.StatusOK, run.Snapshot())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var resp runResponse
	if run := s.activeRun(id); run != nil {
		view := run.Snapshot()
		resp.Live = &view
	}

	rec, err := s.store.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if resp.Live == nil {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
	case err != nil:
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	default:
		resp.Run = rec
		samples, err := s.store.ListSamples(r.Context(), id)
		if err != nil {
			s.logger.Error("list samples", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list samples")
			return
		}
		resp.Samples = samples
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run := s.activeRun(id)
	if run == nil {
		s.writeInactive(w, r, id)
		return
	}

	run.Cancel()
	s.writeJSON(w, http.StatusAccepted, run.Snapshot())
}

func (s *Server) handleGetSample(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sampleID, err := strconv.Atoi(chi.URLParam(r, "sampleID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "sample id must be an integer")
		return
	}

	rec, err := s.store.GetSample(r.Context(), id, sampleID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "sample not found")
		return
	}
	if err != nil {
		s.logger.Error("get sample", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get sample")
		return
	}

	resp := sampleResponse{SampleRecord: *rec}
	if len(rec.Blackboard) > 0 {
		bb, err := blackboard.Decode(rec.Blackboard)
		if err != nil {
			s.logger.Error("decode sample blackboard", "run_id", id, "sample_id", sampleID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to decode blackboard")
			return
		}
		resp.Blackboard = bb
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleNextSuspension long-polls for the oldest unanswered suspension of an
// active run. It answers 204 when none surfaced within the wait and 410 once
// the run has finished.
func (s *Server) handleNextSuspension(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run := s.activeRun(id)
	if run == nil {
		s.writeInactive(w, r, id)
		return
	}

	wait := defaultNextWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "wait must be a non-negative duration")
			return
		}
		wait = min(d, maxNextWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	susp, ok, err := run.Next(ctx)
	switch {
	case err != nil:
		w.WriteHeader(http.StatusNoContent)
	case !ok:
		s.writeError(w, http.StatusGone, "run has finished")
	default:
		s.writeJSON(w, http.StatusOK, susp)
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resumeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		s.writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	run := s.activeRun(id)
	if run == nil {
		s.writeInactive(w, r, id)
		return
	}

	if err := run.Resume(req.Token, req.Values); err != nil {
		var invalid *model.InvalidResumeError
		if errors.As(err, &invalid) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("resume", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resume sample")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// activeRun returns the engine's run if its id matches.
func (s *Server) activeRun(id string) *engine.Run {
	run := s.engine.Active()
	if run == nil || run.ID() != id {
		return nil
	}
	return run
}

// writeInactive answers a request that needs a live run: 410 for a stored
// run that has finished, 404 otherwise.
func (s *Server) writeInactive(w http.ResponseWriter, r *http.Request, id string) {
	_, err := s.store.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
	default:
		s.writeError(w, http.StatusGone, "run has finished")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
