package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/session"
)

// SaveToken writes the access token readable by the current user only.
func SaveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	return os.WriteFile(path, []byte(token+"\n"), 0o600)
}

// LoadToken returns the saved token, or "" when there is none.
func LoadToken(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// TokenProvider is a session.Provider backed by a saved token. It resolves
// by asking the server who the token belongs to.
type TokenProvider struct {
	client *Client
	path   string
	logger zerolog.Logger
}

func NewTokenProvider(c *Client, tokenFile string, logger zerolog.Logger) *TokenProvider {
	return &TokenProvider{client: c, path: tokenFile, logger: logger}
}

// OnAuthStateChanged reports the session once. A missing or rejected token
// reports signed out; a server that cannot be reached reports nothing and
// leaves the decision to the gate's guard timer.
func (p *TokenProvider) OnAuthStateChanged(fn func(*session.User)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		tok, err := LoadToken(p.path)
		if err != nil {
			p.logger.Warn().Err(err).Str("path", p.path).Msg("cannot read token file")
		}
		if tok == "" {
			fn(nil)
			return
		}
		p.client.SetToken(tok)

		u, err := p.client.Me(ctx)
		if ctx.Err() != nil {
			return
		}
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNotFound):
			p.client.SetToken("")
			fn(nil)
		case err != nil:
			p.logger.Debug().Err(err).Msg("session check failed")
		default:
			fn(&session.User{ID: u.ID.String(), Name: u.FullName(), Email: u.Email, Roles: u.Roles()})
		}
	}()
	return cancel
}

// SignOut revokes the token on the server and removes the saved copy. The
// file is removed even when the server cannot be reached.
func (p *TokenProvider) SignOut(ctx context.Context) error {
	var errs []error
	if p.client.Token() != "" {
		if err := p.client.Logout(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove token: %w", err))
	}
	return errors.Join(errs...)
}
