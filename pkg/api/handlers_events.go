package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	streamBuffer      = 256
	keepaliveInterval = 30 * time.Second
)

// handleEvents streams every query record as a server-sent event
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Live stream not configured")
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": ok\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn("Streaming unsupported", "error", err)
		return
	}

	records, unsubscribe := s.stream.Subscribe(streamBuffer)
	defer unsubscribe()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				s.logger.Error("Failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
