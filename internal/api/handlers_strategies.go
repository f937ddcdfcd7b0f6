package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/internal/strategyrunner"
	"github.com/quantforge/exec-core/pkg/types"
)

type createStrategyRequest struct {
	Name   string              `json:"name"`
	Type   types.StrategyType  `json:"type"`
	Params map[string]any      `json:"params,omitempty"`
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	var req createStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "name is required")
		return
	}
	strat := types.Strategy{
		ID: types.NewID(), UserID: userID, Name: req.Name, Type: req.Type,
		Params: req.Params, Status: types.StrategyActive, CreatedAt: time.Now(),
	}
	if err := s.deps.Strategies.Create(r.Context(), strat); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, strat)
}

// handleListStrategies returns every Strategy the caller owns.
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	strats, err := s.deps.Strategies.ListByUser(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": strats})
}

// handleStrategyLogs returns every StrategyRun launched for a Strategy, most
// recent first, standing in for a dedicated log stream.
func (s *Server) handleStrategyLogs(w http.ResponseWriter, r *http.Request) {
	strategyID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid strategy id")
		return
	}
	runs, err := s.deps.StrategyRuns.ListByStrategy(r.Context(), strategyID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type strategyPnLResponse struct {
	TotalPnL decimal.Decimal      `json:"totalPnl"`
	Runs     []types.StrategyRun  `json:"runs"`
}

// handleStrategyPnL sums StrategyRunMetrics.PnL across every run launched
// for a Strategy.
func (s *Server) handleStrategyPnL(w http.ResponseWriter, r *http.Request) {
	strategyID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid strategy id")
		return
	}
	runs, err := s.deps.StrategyRuns.ListByStrategy(r.Context(), strategyID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	total := decimal.Zero
	for _, run := range runs {
		total = total.Add(run.Metrics.PnL)
	}
	writeJSON(w, http.StatusOK, strategyPnLResponse{TotalPnL: total, Runs: runs})
}

type startStrategyRequest struct {
	Mode      types.RunMode                 `json:"mode"`
	GroupID   types.ID                      `json:"groupId"`
	Mappings  []types.GroupAccountMapping   `json:"mappings"`
	Intents   []types.TradeIntent           `json:"intents"`
}

type startStrategyResponse struct {
	StrategyRunID types.ID `json:"strategyRunId"`
}

// handleStartStrategy binds a Strategy to a run of the shared orchestration
// path. The caller supplies the intents to dispatch up front; a live feed
// from a running strategy implementation would instead stream onto this
// same channel from within a scheduler/webhook-triggered launch.
func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	strategyID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid strategy id")
		return
	}
	var req startStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid start request")
		return
	}
	strat, err := s.deps.Strategies.Get(r.Context(), strategyID)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "strategy not found")
		return
	}

	intents := make(chan types.TradeIntent, len(req.Intents))
	for _, in := range req.Intents {
		intents <- in
	}
	close(intents)

	binding := strategyrunner.GroupBinding{GroupID: req.GroupID, Mappings: req.Mappings, Mode: types.GroupModeParallel}
	runID, err := s.deps.StrategyRunner.Launch(r.Context(), strat, req.Mode, binding, intents)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, startStrategyResponse{StrategyRunID: runID})
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid strategy run id")
		return
	}
	s.deps.StrategyRunner.Stop(runID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
