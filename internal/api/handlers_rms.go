package api

import (
	"encoding/json"
	"net/http"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

func (s *Server) handleGetRmsConfig(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	cfg, err := s.deps.RmsConfigs.Get(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "no RMS configuration for user")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetRmsConfig(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	var cfg types.RmsConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid RMS configuration")
		return
	}
	cfg.UserID = userID
	if err := s.deps.RmsConfigs.Upsert(r.Context(), cfg); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleRmsStatus returns the user's live daily counters, as tracked by the
// in-memory Gate rather than the configured baseline (spec §4.4's
// RmsCounters are derived state, not a persisted row callers read back).
func (s *Server) handleRmsStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	snapshot := s.deps.Gate.Snapshot(userID)
	writeJSON(w, http.StatusOK, snapshot)
}

// handleSquareOff is the manual, user-triggered square-off path: it closes
// every open position directly, bypassing rule evaluation (unlike
// handleEnforce, which only squares off when a configured rule trips).
func (s *Server) handleSquareOff(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	if s.deps.SquareOff == nil {
		writeErr(w, http.StatusNotImplemented, rmscore.CodeInternal, "square-off is not configured")
		return
	}
	if err := s.deps.SquareOff(r.Context(), userID); err != nil {
		writeErr(w, http.StatusBadGateway, rmscore.CodeBrokerRejected, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "squared_off"})
}

// handleEnforce runs the RMS Gate's rule sweep against the user's current
// configuration and counters, square-ing off only if a rule actually
// trips (spec §4.4's auto_square_off_enabled path).
func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	cfg, err := s.deps.RmsConfigs.Get(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "no RMS configuration for user")
		return
	}
	if s.deps.SquareOff == nil {
		writeErr(w, http.StatusNotImplemented, rmscore.CodeInternal, "square-off is not configured")
		return
	}
	actions, err := s.deps.Gate.Enforce(r.Context(), userID, cfg, s.deps.SquareOff)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}
