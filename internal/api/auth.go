package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type userKey struct{}

func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// requireAuth resolves the bearer token to a user id. Browsers cannot
// set headers on a WebSocket handshake, so a token query parameter is
// accepted too.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.deps.Tokens) == 0 {
			next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, AnonymousUser)))
			return
		}

		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); h != "" {
			scheme, value, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			token = strings.TrimSpace(value)
		}

		user, ok := s.lookupToken(token)
		if !ok {
			s.logger.Debug("rejected request", "path", r.URL.Path, "has_token", token != "")
			s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (s *Server) lookupToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for t, user := range s.deps.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return user, true
		}
	}
	return "", false
}
