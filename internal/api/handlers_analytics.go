package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/quantforge/exec-core/internal/analytics"
	"github.com/quantforge/exec-core/internal/rmscore"
)

func (s *Server) handleAnalyticsDashboard(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	limit := queryLimit(r, 200)
	dash, err := s.deps.Analytics.Dashboard(r.Context(), userID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleAnalyticsDailyPnL(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	limit := queryLimit(r, 200)
	rows, err := s.deps.Analytics.DailyPnL(r.Context(), userID, time.UTC, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": rows})
}

// handleAnalyticsExportDailyPnL streams the same data as text/csv, matching
// spec §6's exports surface.
func (s *Server) handleAnalyticsExportDailyPnL(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	limit := queryLimit(r, 365)
	rows, err := s.deps.Analytics.DailyPnL(r.Context(), userID, time.UTC, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="daily-pnl.csv"`)
	if err := analytics.WriteDailyPnLCSV(w, rows); err != nil {
		s.logger.Error("write daily pnl csv")
	}
}

// handleAnalyticsExportLatencySummary writes one latency summary row
// (count, average, p50, p95) as text/csv.
func (s *Server) handleAnalyticsExportLatencySummary(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	limit := queryLimit(r, 1000)
	summary, err := s.deps.Analytics.LatencySummaryStats(r.Context(), userID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="latency-summary.csv"`)
	if err := analytics.WriteLatencySummaryCSV(w, summary); err != nil {
		s.logger.Error("write latency summary csv")
	}
}

// handleAnalyticsExportLegStatus streams the leg status histogram as
// text/csv.
func (s *Server) handleAnalyticsExportLegStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	limit := queryLimit(r, 1000)
	hist, err := s.deps.Analytics.LegStatusSummary(r.Context(), userID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="leg-status.csv"`)
	if err := analytics.WriteLegStatusCSV(w, hist); err != nil {
		s.logger.Error("write leg status csv")
	}
}

func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
