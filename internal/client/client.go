// Package client talks to a middec server over HTTP and WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/identity"
	"github.com/middec/middec/internal/domain/submission"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPrefix+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &msg) != nil || msg.Message == "" {
			msg.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error) {
	var u identity.User
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// LoginResult is the issued token and the signed-in profile.
type LoginResult struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresAt   time.Time     `json:"expires_at"`
	User        identity.User `json:"user"`
}

// Login signs in and, on success, uses the new token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var res LoginResult
	err := c.do(ctx, http.MethodPost, "/auth/login", identity.LoginRequest{Email: email, Password: password}, &res)
	if err != nil {
		return nil, err
	}
	c.SetToken(res.AccessToken)
	return &res, nil
}

func (c *Client) Me(ctx context.Context) (*identity.User, error) {
	var u identity.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Logout revokes the current token on the server and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.SetToken("")
	return err
}

// Create stores a record and returns its server-assigned ID.
func (c *Client) Create(ctx context.Context, rec *calculation.Record) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/calculations", rec, &res); err != nil {
		return "", err
	}
	rec.ID = res.ID
	return res.ID, nil
}

// ListPage is one page of the calculations list.
type ListPage struct {
	Data    []*calculation.Record `json:"data"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
	HasMore bool                  `json:"has_more"`
}

func (c *Client) List(ctx context.Context, p calculation.ListParams) (*ListPage, error) {
	v := url.Values{}
	if p.Category != "" {
		v.Set("category", string(p.Category))
	}
	if p.Search != "" {
		v.Set("q", p.Search)
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		v.Set("offset", strconv.Itoa(p.Offset))
	}
	path := "/calculations"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var page ListPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Assess runs the submission workflow on the server.
func (c *Client) Assess(ctx context.Context, form calculation.FormData) (submission.Navigation, error) {
	var nav submission.Navigation
	err := c.do(ctx, http.MethodPost, "/assessments", form, &nav)
	return nav, err
}

// OutboxStats reads the server's persistence counters. Admin only.
func (c *Client) OutboxStats(ctx context.Context) (submission.Stats, error) {
	var s submission.Stats
	err := c.do(ctx, http.MethodGet, "/outbox/stats", nil, &s)
	return s, err
}
