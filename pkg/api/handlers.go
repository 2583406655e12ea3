package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"dnsgate/pkg/storage"
)

const defaultStatsPeriod = 24 * time.Hour

// handleHealth reports liveness, storage reachability and upstream health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Uptime:  s.getUptime(),
		Version: s.version,
		Storage: "ok",
	}

	if err := s.storage.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Storage = err.Error()
	}
	if s.health != nil {
		resp.Upstreams = s.health.Snapshot()
	}
	if s.pending != nil {
		resp.Pending = s.pending.Pending()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleLogs returns query records, newest first.
// Query params: limit (default 200, max 2000), offset, client, search, since.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := storage.ClampLimit(atoiDefault(q.Get("limit"), 0))
	offset := max(atoiDefault(q.Get("offset"), 0), 0)

	since, err := parseSince(q.Get("since"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid since parameter")
		return
	}

	filter := storage.QueryFilter{
		Since:    since,
		ClientIP: strings.TrimSpace(q.Get("client")),
		Search:   strings.TrimSpace(q.Get("search")),
	}

	rows, err := s.storage.GetQueries(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("Failed to get query logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve query logs")
		return
	}
	if rows == nil {
		rows = []*storage.QueryLog{}
	}

	s.writeJSON(w, http.StatusOK, LogsResponse{Rows: rows, Limit: limit, Offset: offset})
}

// handleStats returns aggregated statistics over ?period= (default 24h)
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period := parseDuration(r.URL.Query().Get("period"), defaultStatsPeriod)
	now := time.Now()

	stats, err := s.storage.GetStatistics(r.Context(), now.Add(-period))
	if err != nil {
		s.logger.Error("Failed to get statistics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		Statistics: stats,
		Period:     period.String(),
		Timestamp:  now,
	})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// parseSince accepts unix milliseconds or an RFC 3339 timestamp
func parseSince(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, s)
}
