package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/llmrace/llmrace/pkg/scorecard"
	"github.com/llmrace/llmrace/pkg/store"
)

const defaultRunListLimit = 50

// startRunRequest selects a suite and the ordered car lineup.
type startRunRequest struct {
	SuiteID    uint   `json:"suite_id"`
	CarIDs     []uint `json:"car_ids"`
	JudgeCarID *uint  `json:"judge_car_id,omitempty"`
}

// handleStartRun enumerates the (test, car) items up front and hands
// the run to the engine queue.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	if req.SuiteID == 0 || len(req.CarIDs) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"suite_id and car_ids are required"})

		return
	}

	if _, err := s.store.GetSuite(r.Context(), req.SuiteID); err != nil {
		s.writeStoreError(w, err)

		return
	}

	seen := make(map[uint]struct{}, len(req.CarIDs))

	for _, carID := range req.CarIDs {
		if _, dup := seen[carID]; dup {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"duplicate car in car_ids"})

			return
		}

		seen[carID] = struct{}{}

		if _, err := s.store.GetCar(r.Context(), carID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusBadRequest,
					errorResponse{fmt.Sprintf("unknown car %d", carID)})

				return
			}

			s.writeStoreError(w, err)

			return
		}
	}

	if req.JudgeCarID != nil {
		if _, err := s.store.GetCar(r.Context(), *req.JudgeCarID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusBadRequest,
					errorResponse{"unknown judge car"})

				return
			}

			s.writeStoreError(w, err)

			return
		}
	}

	tests, err := s.store.ListTests(r.Context(), req.SuiteID)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	if len(tests) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"suite has no tests"})

		return
	}

	run := &store.Run{
		SuiteID:    req.SuiteID,
		Status:     store.RunQueued,
		JudgeCarID: req.JudgeCarID,
	}
	run.SetCarIDs(req.CarIDs)

	// Items are enumerated in dispatch order: tests by order_index,
	// then cars in selection order.
	items := make([]store.RunItem, 0, len(tests)*len(req.CarIDs))

	for _, test := range tests {
		for _, carID := range req.CarIDs {
			items = append(items, store.RunItem{
				TestID: test.ID,
				CarID:  carID,
				Status: store.ItemPending,
			})
		}
	}

	if err := s.store.CreateRunWithItems(r.Context(), run, items); err != nil {
		s.writeStoreError(w, err)

		return
	}

	if err := s.engine.Enqueue(run.ID); err != nil {
		run.Status = store.RunFailed
		run.FailureMessage = "engine queue is full"

		if uerr := s.store.UpdateRun(r.Context(), run); uerr != nil {
			s.log.WithError(uerr).Error("Marking run failed")
		}

		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"engine queue is full, try again later"})

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

			return
		}

		limit = parsed
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// runDetail is the full run view: items plus their artifacts.
type runDetail struct {
	Run          *store.Run             `json:"run"`
	Items        []store.RunItem        `json:"items"`
	Outputs      []store.RunOutput      `json:"outputs"`
	Metrics      []store.RunMetric      `json:"metrics"`
	ToolCalls    []store.ToolCallRecord `json:"tool_calls"`
	JudgeResults []store.JudgeResult    `json:"judge_results"`
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	items, err := s.store.ListRunItems(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	outputs, err := s.store.ListRunOutputs(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	metrics, err := s.store.ListRunMetrics(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	toolCalls, err := s.store.ListToolCalls(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	judgeResults, err := s.store.ListJudgeResults(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, runDetail{
		Run:          run,
		Items:        items,
		Outputs:      outputs,
		Metrics:      metrics,
		ToolCalls:    toolCalls,
		JudgeResults: judgeResults,
	})
}

type judgeRunRequest struct {
	JudgeCarID *uint `json:"judge_car_id,omitempty"`
}

// handleJudgeRun scores a finished run's outputs with the judge car.
func (s *server) handleJudgeRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	if !run.Status.Terminal() {
		writeJSON(w, http.StatusConflict,
			errorResponse{"run is still executing"})

		return
	}

	// An empty or malformed body falls back to the run's stored judge car.
	var req judgeRunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var judgeCarID uint
	if req.JudgeCarID != nil {
		judgeCarID = *req.JudgeCarID
	}

	summary, err := s.engine.JudgeRun(r.Context(), id, judgeCarID)
	if err != nil {
		s.log.WithError(err).WithField("run_id", id).Warn("Judge pass failed")
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	results, err := s.store.ListJudgeResults(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"results": results,
	})
}

func (s *server) handleScorecard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	rows, err := s.scorecards.Scorecard(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": id,
		"rows":   rows,
	})
}

func (s *server) handleCompare(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	baselineRaw := r.URL.Query().Get("baseline_run_id")
	if baselineRaw == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"baseline_run_id query parameter is required"})

		return
	}

	baselineID, err := strconv.ParseUint(baselineRaw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid baseline_run_id"})

		return
	}

	comparison, err := s.scorecards.Compare(r.Context(), id, uint(baselineID))
	if err != nil {
		switch {
		case errors.Is(err, scorecard.ErrSameRun):
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		case errors.Is(err, scorecard.ErrBaselineNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		default:
			s.writeStoreError(w, err)
		}

		return
	}

	writeJSON(w, http.StatusOK, comparison)
}

func (s *server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := s.scorecards.Leaderboard(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}
