package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// runResponse is a run with its decoded environment.
type runResponse struct {
	store.Run
	Environment map[string]string `json:"environment,omitempty"`
}

// testResponse is a test result with its flag list.
type testResponse struct {
	store.TestResult
	Flags []string `json:"flags"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// parseLimit reads the "limit" query parameter.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}

	return min(n, maxListLimit), nil
}

func toRunResponse(run *store.Run) runResponse {
	return runResponse{Run: *run, Environment: run.Environment()}
}

func toTestResponses(results []store.TestResult) []testResponse {
	out := make([]testResponse, 0, len(results))
	for i := range results {
		out = append(out, testResponse{
			TestResult: results[i],
			Flags:      results[i].FlagList(),
		})
	}

	return out
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns the most recent runs.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleGetRun returns a single run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.storeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// handleListRunTests returns the tests of a run, optionally filtered by
// status and flag.
func (s *server) handleListRunTests(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.storeError(w, err)

		return
	}

	filter := store.TestFilter{
		Status: record.Status(r.URL.Query().Get("status")),
		Flag:   r.URL.Query().Get("flag"),
	}

	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{"unknown status"})

		return
	}

	if r.URL.Query().Has("limit") {
		limit, err := parseLimit(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		filter.Limit = limit
	}

	results, err := s.store.ListTestResults(r.Context(), runID, filter)
	if err != nil {
		s.storeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"tests":  toTestResponses(results),
	})
}

// handleSlowestTests returns the slowest tests across runs.
func (s *server) handleSlowestTests(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	results, err := s.store.SlowestTests(r.Context(), limit)
	if err != nil {
		s.storeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tests": toTestResponses(results)})
}

// handleTestHistory returns the recent results of one test. Test ids carry
// slashes, so the id travels as a query parameter.
func (s *server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	testID := r.URL.Query().Get("id")
	if testID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"id is required"})

		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	results, err := s.store.TestHistory(r.Context(), testID, limit)
	if err != nil {
		s.storeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":    testID,
		"tests": toTestResponses(results),
	})
}

// storeError maps store errors onto HTTP responses.
func (s *server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})

		return
	}

	s.log.WithError(err).Error("Store query failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}
