package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
)

const (
	defaultHistoryRange = 30 * 24 * time.Hour
	maxHistoryRange     = 366 * 24 * time.Hour
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.registry.Get(id); err != nil {
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}

	snapshots, err := s.storage.GetSnapshotHistory(ctx, id, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get snapshots", slog.String("entryID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	// Always return an array, even if empty
	if snapshots == nil {
		snapshots = []types.Snapshot{}
	}

	// a range that ended over a day ago can't change anymore
	if end.Before(time.Now().Add(-24 * time.Hour)) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	writeJSON(w, snapshots)
}

// parseTimeRange reads the RFC3339 start and end query parameters. Without
// them the last 30 days up to now are returned.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	end := now
	if endStr != "" {
		var err error
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
	}

	start := end.Add(-defaultHistoryRange)
	if startStr != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
		}
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}
	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 366 days")
	}
	return start, end, nil
}
