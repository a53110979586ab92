package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newRevocationServer(t *testing.T, role string) (*echo.Echo, *TokenRevocationStore) {
	t.Helper()
	store := NewTokenRevocationStore()
	t.Cleanup(store.Close)

	e := echo.New()
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), UserRolesKey, []string{role})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	RegisterRevocationRoutes(g, store, time.Hour)
	return e, store
}

func TestRevokeToken_Admin(t *testing.T) {
	e, store := newRevocationServer(t, RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/revoke", strings.NewReader(`{"jti":"abc"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if !store.IsRevoked("abc") {
		t.Fatal("expected abc to be revoked")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/revocations", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("unexpected count response %d %s", rec.Code, rec.Body.String())
	}
}

func TestRevokeToken_MissingJTI(t *testing.T) {
	e, _ := newRevocationServer(t, RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/revoke", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRevokeToken_RequiresAdmin(t *testing.T) {
	e, store := newRevocationServer(t, RoleMidwife)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/revoke", strings.NewReader(`{"jti":"abc"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if store.Count() != 0 {
		t.Fatal("expected nothing revoked")
	}
}
