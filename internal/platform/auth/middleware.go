package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	UserIDKey      contextKey = "user_id"
	UserRolesKey   contextKey = "user_roles"
	TokenIDKey     contextKey = "token_id"
	TokenExpiryKey contextKey = "token_expiry"
)

// Claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	// Revocations, when set, rejects tokens whose jti was revoked.
	Revocations *TokenRevocationStore
	Skipper     middleware.Skipper
}

// bearerToken extracts the token from the Authorization header. WebSocket
// upgrades may carry it as the access_token query parameter instead.
func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if tok := c.QueryParam("access_token"); tok != "" && isUpgrade(c.Request()) {
			return tok, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return parts[1], nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ParseToken validates a signed token and returns its claims.
func ParseToken(tokenStr string, cfg JWTConfig) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if cfg.Revocations != nil && claims.ID != "" && cfg.Revocations.IsRevoked(claims.ID) {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "token revoked")
	}
	return claims, nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}
			claims, err := ParseToken(tokenStr, cfg)
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(WithClaims(c.Request().Context(), claims)))
			return next(c)
		}
	}
}

// WithClaims stores the caller identity from claims on ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
	ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
	ctx = context.WithValue(ctx, TokenIDKey, claims.ID)
	if claims.ExpiresAt != nil {
		ctx = context.WithValue(ctx, TokenExpiryKey, claims.ExpiresAt.Time)
	}
	return ctx
}

// DevAuthMiddleware lets unauthenticated requests through as an admin dev
// user. Requests that do carry a token are validated normally.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" || c.QueryParam("access_token") != "" {
				return validated(c)
			}
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, "dev-user")
			ctx = context.WithValue(ctx, UserRolesKey, []string{RoleAdmin})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// TokenFromContext returns the jti and expiry of the presented token.
func TokenFromContext(ctx context.Context) (string, time.Time) {
	jti, _ := ctx.Value(TokenIDKey).(string)
	exp, _ := ctx.Value(TokenExpiryKey).(time.Time)
	return jti, exp
}
