package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// revokeTokenRequest is the request body for POST /auth/revoke.
type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revocationCountResponse struct {
	Count int `json:"count"`
}

// RegisterRevocationRoutes registers admin-only token revocation endpoints.
func RegisterRevocationRoutes(g *echo.Group, store *TokenRevocationStore, maxTTL time.Duration) {
	authGroup := g.Group("/auth", RequireRole(RoleAdmin))
	authGroup.POST("/revoke", handleRevokeToken(store, maxTTL))
	authGroup.GET("/revocations", handleCountRevocations(store))
}

func handleRevokeToken(store *TokenRevocationStore, maxTTL time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		// Without an expiry, hold the entry as long as any token could live.
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = store.now().Add(maxTTL)
		}
		store.Revoke(req.JTI, req.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleCountRevocations(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, revocationCountResponse{Count: store.Count()})
	}
}
