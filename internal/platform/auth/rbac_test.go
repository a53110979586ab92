package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		allowed  bool
	}{
		{"midwife allowed", []string{RoleMidwife}, ClinicianRoles, true},
		{"nurse allowed", []string{RoleNurse}, ClinicianRoles, true},
		{"admin passes any check", []string{RoleAdmin}, []string{RolePhysician}, true},
		{"clinician not admin", []string{RolePhysician}, []string{RoleAdmin}, false},
		{"no roles", nil, ClinicianRoles, false},
		{"unknown role", []string{"student"}, ClinicianRoles, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(tt.required...)(func(c echo.Context) error { return nil })(c)
			if tt.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tt.allowed {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusForbidden {
					t.Fatalf("expected 403, got %v", err)
				}
			}
		})
	}
}

func TestAuthSkipper(t *testing.T) {
	e := echo.New()
	for path, want := range map[string]bool{
		"/health":                   true,
		"/api/v1/auth/login":        true,
		"/api/v1/auth/register":     true,
		"/api/v1/auth/me":           false,
		"/api/v1/calculations/live": false,
	} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		c.SetPath(path)
		if got := AuthSkipper(c); got != want {
			t.Errorf("AuthSkipper(%s) = %v, want %v", path, got, want)
		}
	}
}
