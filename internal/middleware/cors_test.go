package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serveCORS(t *testing.T, origins []string, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	reached := false
	handler := NewCORSMiddleware(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusCreated)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, reached
}

func TestCORS_AllowedOriginIsReflected(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("Origin", "https://clinic.example.com")

	w, reached := serveCORS(t, []string{"http://localhost:3000", "https://clinic.example.com/"}, req)

	assert.True(t, reached)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "https://clinic.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Request-ID")
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
	// 実リクエストにはプリフライト用ヘッダーを付けない
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORS_UnknownOriginGetsNoHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Origin", "https://evil.example.net")

	w, reached := serveCORS(t, []string{"http://localhost:3000"}, req)

	assert.True(t, reached, "same handler runs; the browser enforces the missing header")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_Preflight(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		wantOrigin  string
		wantMethods string
	}{
		{"allowed", "http://localhost:3000", "http://localhost:3000", corsAllowMethods},
		{"not allowed", "https://evil.example.net", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/profile/update-picture", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPut)

			w, reached := serveCORS(t, []string{"http://localhost:3000"}, req)

			assert.False(t, reached)
			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantMethods, w.Header().Get("Access-Control-Allow-Methods"))
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-CSRF-Token")
				assert.Equal(t, corsMaxAgeSeconds, w.Header().Get("Access-Control-Max-Age"))
			}
		})
	}
}

// TestCORS_PlainOptionsReachesRouter はプリフライトでないOPTIONSはルーターに委ねることを検証する。
func TestCORS_PlainOptionsReachesRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)

	_, reached := serveCORS(t, []string{"http://localhost:3000"}, req)

	assert.True(t, reached)
}
