package worker

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/storygroup/internal/consolidation"
	"github.com/thebtf/storygroup/internal/grouping"
)

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON error response")
	}
}

// handleHealth handles health check requests.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleStats returns current group size statistics.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetGroupStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load group stats")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, stats)
}

// runners picks the live or dry-run pair for this request. The second
// return is false when dry-run was requested but not configured.
func (s *Service) runners(r *http.Request) (Runners, bool) {
	if !queryBool(r, "dry_run") {
		return s.live, true
	}
	if s.dry == nil {
		return Runners{}, false
	}
	return *s.dry, true
}

// handleGroup triggers one clustering run.
// Query params: lookback_days, limit, regroup, continue_on_error, dry_run.
func (s *Service) handleGroup(w http.ResponseWriter, r *http.Request) {
	runners, ok := s.runners(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "dry-run mode is not configured")
		return
	}
	opts := grouping.RunOptions{
		LookbackDays:    queryInt(r, "lookback_days", s.config.LookbackDays),
		Limit:           queryInt(r, "limit", 0),
		Regroup:         queryBool(r, "regroup"),
		ContinueOnError: queryBool(r, "continue_on_error"),
	}

	result, err := runners.Pipeline.Run(r.Context(), opts)
	if err != nil {
		if errors.Is(err, grouping.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("Clustering run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, result)
}

// handleMerge triggers one consolidation run.
// Query params: lookback_days, group_limit, max_pairs, dry_run.
func (s *Service) handleMerge(w http.ResponseWriter, r *http.Request) {
	runners, ok := s.runners(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "dry-run mode is not configured")
		return
	}
	opts := consolidation.MergeOptions{
		LookbackDays: queryInt(r, "lookback_days", 0),
		GroupLimit:   queryInt(r, "group_limit", 0),
		MaxPairs:     queryInt(r, "max_pairs", 0),
	}

	result, err := runners.Merger.Run(r.Context(), opts)
	if err != nil {
		if errors.Is(err, grouping.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("Consolidation run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, result)
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryBool parses a boolean query parameter, false when absent or malformed.
func queryBool(r *http.Request, key string) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return v
}
