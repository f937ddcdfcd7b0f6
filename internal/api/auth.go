package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/quantforge/exec-core/pkg/types"
)

// contextKey avoids collisions with other packages' context keys.
type contextKey int

const userContextKey contextKey = 0

// TokenStore is a minimal server-side opaque bearer token issuer. Spec.md
// §1 excludes JWT issuance/auth hardening from the core's scope; this
// exists only so every other endpoint's bearer-auth middleware has
// something real to check in tests, per SPEC_FULL.md's note on
// /auth/register and /auth/login being thin boundary handlers.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]types.ID // token -> user id
}

func NewTokenStore() *TokenStore { return &TokenStore{tokens: make(map[string]types.ID)} }

// Issue mints a fresh opaque token bound to userID.
func (t *TokenStore) Issue(userID types.ID) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	t.mu.Lock()
	t.tokens[token] = userID
	t.mu.Unlock()
	return token, nil
}

func (t *TokenStore) lookup(token string) (types.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.tokens[token]
	return id, ok
}

// requireAuth rejects requests without a valid `Authorization: Bearer …`
// header, stashing the resolved user id in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			writeErr(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		userID, ok := s.tokens.lookup(token)
		if !ok {
			writeErr(w, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next(w, r.WithContext(ctx))
	}
}

func userFromContext(r *http.Request) (types.ID, bool) {
	id, ok := r.Context().Value(userContextKey).(types.ID)
	return id, ok
}
