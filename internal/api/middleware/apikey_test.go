package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/switchboardhq/switchboard/internal/api/middleware"
	pkgmw "github.com/switchboardhq/switchboard/pkg/middleware"
)

func guarded(auth *middleware.APIKeyAuth, subject *string) http.Handler {
	return auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject != nil {
			*subject = pkgmw.GetAdminSubject(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAPIKeyAuth_NoKeysRefusesEverything(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"", "  "})
	assert.False(t, auth.Enabled())

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/registry", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	guarded(auth, nil).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuth_Credentials(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"key-one", " key-two "})

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer key-one", http.StatusOK},
		{"x-api-key trimmed on load", "X-API-Key", "key-two", http.StatusOK},
		{"wrong key", "Authorization", "Bearer key-three", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic key-one", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/v1/registry", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			guarded(auth, nil).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestAPIKeyAuth_SubjectIsFingerprint(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"secret-key"})

	var subject string
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/intent", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	guarded(auth, &subject).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Regexp(t, `^key:[0-9a-f]{8}$`, subject)
	assert.NotContains(t, subject, "secret")
}
