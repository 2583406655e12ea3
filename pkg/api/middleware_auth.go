package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHeader = "X-API-Key"

var authBypassPaths = map[string]struct{}{
	"/api/health": {},
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAuthRequired(r) || s.authorizeRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		if s.hasBasicCredentials() {
			w.Header().Set("WWW-Authenticate", `Basic realm="dnsgate", charset="UTF-8"`)
		}
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
	})
}

func (s *Server) isAuthRequired(r *http.Request) bool {
	s.authMu.RLock()
	enabled := s.authEnabled
	s.authMu.RUnlock()

	if !enabled || r.Method == http.MethodOptions {
		return false
	}
	_, bypass := authBypassPaths[r.URL.Path]
	return !bypass
}

func (s *Server) hasBasicCredentials() bool {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.basicUser != "" && s.passwordHash != ""
}

func (s *Server) authorizeRequest(r *http.Request) bool {
	s.authMu.RLock()
	apiKey := s.apiKey
	username := s.basicUser
	passwordHash := s.passwordHash
	s.authMu.RUnlock()

	if apiKey != "" {
		if token := extractAPIKey(r); token != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
				return true
			}
		}
	}

	if username != "" && passwordHash != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 {
				return false
			}
			return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) == nil
		}
	}

	return false
}

// extractAPIKey reads the key from X-API-Key or a Bearer Authorization header
func extractAPIKey(r *http.Request) string {
	if value := strings.TrimSpace(r.Header.Get(apiKeyHeader)); value != "" {
		return value
	}

	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
