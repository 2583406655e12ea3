package api

import (
	"net/http"
)

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Feed manager not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, s.feeds.Status())
}

// handleFeedRefresh downloads every feed now and returns the resulting status
func (s *Server) handleFeedRefresh(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Feed manager not configured")
		return
	}

	status := s.feeds.Refresh(r.Context())
	s.logger.Info("Feeds refreshed via API",
		"lists_loaded", status.ListsLoaded,
		"domains", status.Domains,
		"errors", len(status.Errors),
	)
	s.writeJSON(w, http.StatusOK, status)
}
