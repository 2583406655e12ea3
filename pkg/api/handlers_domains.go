package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"dnsgate/pkg/blocklist"
)

const maxBodySize = 64 << 10

// handleGetBlacklist lists manual entries, or every entry with ?all=1
func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	entries := s.store.BlockEntries(r.URL.Query().Get("all") == "1")
	s.writeJSON(w, http.StatusOK, DomainListResponse{Entries: entries, Total: len(entries)})
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	s.addDomain(w, r, func(ctx context.Context, d string) (string, error) {
		return s.store.AddBlock(ctx, d, blocklist.SourceManual)
	})
}

func (s *Server) handleDeleteBlacklist(w http.ResponseWriter, r *http.Request) {
	s.removeDomain(w, r, s.store.RemoveBlock)
}

func (s *Server) handleGetAllowlist(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	entries := s.store.AllowEntries()
	s.writeJSON(w, http.StatusOK, DomainListResponse{Entries: entries, Total: len(entries)})
}

func (s *Server) handleAddAllowlist(w http.ResponseWriter, r *http.Request) {
	s.addDomain(w, r, s.store.AddAllow)
}

func (s *Server) handleDeleteAllowlist(w http.ResponseWriter, r *http.Request) {
	s.removeDomain(w, r, s.store.RemoveAllow)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Domain store not configured")
		return false
	}
	return true
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request, add func(context.Context, string) (string, error)) {
	if !s.requireStore(w) {
		return
	}

	var req DomainRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || json.Unmarshal(body, &req) != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	domain, err := add(r.Context(), req.Domain)
	if errors.Is(err, blocklist.ErrInvalidDomain) {
		s.writeError(w, http.StatusBadRequest, "Invalid domain")
		return
	}
	if err != nil {
		s.logger.Error("Failed to add domain", "domain", req.Domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to add domain")
		return
	}

	s.logger.Info("Domain added", "path", r.URL.Path, "domain", domain)
	s.writeJSON(w, http.StatusOK, DomainResponse{Domain: domain, OK: true})
}

func (s *Server) removeDomain(w http.ResponseWriter, r *http.Request, remove func(context.Context, string) (bool, error)) {
	if !s.requireStore(w) {
		return
	}

	domain := r.PathValue("domain")
	removed, err := remove(r.Context(), domain)
	if errors.Is(err, blocklist.ErrInvalidDomain) {
		s.writeError(w, http.StatusBadRequest, "Invalid domain")
		return
	}
	if err != nil {
		s.logger.Error("Failed to remove domain", "domain", domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to remove domain")
		return
	}

	s.writeJSON(w, http.StatusOK, DomainResponse{Domain: domain, OK: true, Removed: removed})
}
