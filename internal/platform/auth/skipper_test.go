package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestIsPublicPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/health":                        true,
		"/health/db":                     true,
		"/metrics":                       true,
		"/api/deid/anonymize":            false,
		"/api/deid/mappings/:documentId": false,
	} {
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")

	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	if err := JWTMiddleware(cfg)(okHandler)(c); err != nil {
		t.Errorf("expected /health to skip auth, got %v", err)
	}
}

func TestJWTMiddleware_DoesNotSkipProtectedPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/deid/anonymize", nil), httptest.NewRecorder())
	c.SetPath("/api/deid/anonymize")

	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	expectHTTPError(t, JWTMiddleware(cfg)(okHandler)(c), http.StatusUnauthorized)
}
