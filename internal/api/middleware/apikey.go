package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	pkgmw "github.com/switchboardhq/switchboard/pkg/middleware"
)

// APIKeyAuth guards the admin API.
//
// A request must carry one of the configured keys via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//
// With no keys configured every admin request is refused. The webhook and
// health endpoints are never mounted behind this middleware.
type APIKeyAuth struct {
	keys [][]byte
}

// NewAPIKeyAuth creates the guard. Blank keys are ignored.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	auth := &APIKeyAuth{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			auth.keys = append(auth.keys, []byte(k))
		}
	}
	return auth
}

// Enabled reports whether any key is configured.
func (a *APIKeyAuth) Enabled() bool {
	return len(a.keys) > 0
}

// Middleware enforces the key and records a key fingerprint as the admin
// subject.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			respondUnauthorized(w, "Admin API is disabled.")
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		if !a.validateKey(apiKey) {
			respondUnauthorized(w, "Invalid API key.")
			return
		}

		ctx := pkgmw.SetAdminSubject(r.Context(), fingerprint(apiKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *APIKeyAuth) validateKey(candidate string) bool {
	ok := 0
	for _, key := range a.keys {
		ok |= subtle.ConstantTimeCompare([]byte(candidate), key)
	}
	return ok == 1
}

// fingerprint identifies a key in logs without revealing it.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:4])
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="switchboard-admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
