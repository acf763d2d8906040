// Package client is a Go client for the sitecms API. It keeps the session
// returned by login and answers display questions through the gate, the same
// way the dashboard does.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sitecms.org/internal/auth"
	"sitecms.org/internal/gate"
)

// Session is the authenticated state delivered by login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      gate.User
	Aliases   gate.AliasPayload
}

type Client struct {
	baseURL string
	http    *http.Client

	mu      sync.RWMutex
	session *Session
	gate    *gate.Gate
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Login authenticates and stores the session for later calls.
func (c *Client) Login(ctx context.Context, login, password string) (*Session, error) {
	var resp struct {
		Token        string            `json:"token"`
		ExpiresAt    time.Time         `json:"expires_at"`
		User         gate.User         `json:"user"`
		AdminAliases gate.AliasPayload `json:"admin_aliases"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"login":    login,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	s := &Session{Token: resp.Token, ExpiresAt: resp.ExpiresAt, User: resp.User, Aliases: resp.AdminAliases}
	c.setSession(s)
	return s, nil
}

// Refresh reloads the user object from /v1/me, picking up permission changes
// made since login.
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	cur := c.Session()
	if cur == nil {
		return nil, auth.ErrUnauthorized
	}
	var resp struct {
		User         gate.User         `json:"user"`
		AdminAliases gate.AliasPayload `json:"admin_aliases"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/me", cur.Token, nil, &resp); err != nil {
		return nil, err
	}
	s := &Session{Token: cur.Token, ExpiresAt: cur.ExpiresAt, User: resp.User, Aliases: resp.AdminAliases}
	c.setSession(s)
	return s, nil
}

// Navigation fetches the server-filtered navigation for the session user.
func (c *Client) Navigation(ctx context.Context) ([]gate.NavItem, error) {
	cur := c.Session()
	if cur == nil {
		return nil, auth.ErrUnauthorized
	}
	var resp struct {
		Items []gate.NavItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/navigation", cur.Token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Logout revokes the token server side and drops the session.
func (c *Client) Logout(ctx context.Context) error {
	cur := c.Session()
	if cur == nil {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/logout", cur.Token, nil, nil); err != nil {
		return err
	}
	c.setSession(nil)
	return nil
}

func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Can answers whether the UI should offer an action. It is advisory only.
func (c *Client) Can(permission string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return false
	}
	return c.gate.HasPermission(c.session.User, permission)
}

// CanOpen reports whether a module section should be shown.
func (c *Client) CanOpen(module string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return false
	}
	return c.gate.HasModuleAccess(c.session.User, module)
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	if s == nil {
		c.gate = nil
		return
	}
	c.gate = gate.New(s.Aliases.AliasSet())
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return mapStatus(resp.StatusCode, apiErr.Error, apiErr.RequestID)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-2xx response that maps to no auth sentinel.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sitecms api: %d %s (request %s)", e.Status, e.Message, e.RequestID)
}

func mapStatus(code int, msg, requestID string) error {
	var sentinel error
	switch code {
	case http.StatusUnauthorized:
		sentinel = auth.ErrUnauthorized
		if msg == "invalid credentials" {
			sentinel = auth.ErrInvalidCredentials
		}
	case http.StatusForbidden:
		sentinel = auth.ErrForbidden
	case http.StatusLocked:
		sentinel = auth.ErrAccountLocked
	case http.StatusNotFound:
		sentinel = auth.ErrNotFound
	case http.StatusConflict:
		sentinel = auth.ErrConflict
	case http.StatusBadRequest:
		sentinel = auth.ErrInvalidInput
	case http.StatusUnprocessableEntity:
		sentinel = auth.ErrRoleHasNoPermissions
	}
	apiErr := &APIError{Status: code, Message: msg, RequestID: requestID}
	if sentinel == nil {
		return apiErr
	}
	return errors.Join(sentinel, apiErr)
}

// WaitReady polls the gRPC health service until it reports SERVING or ctx ends.
func WaitReady(ctx context.Context, target, service string, opts ...grpc.DialOption) error {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	hc := healthpb.NewHealthClient(conn)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("wait for %s: %w", target, err)
			}
			return fmt.Errorf("wait for %s: %s: %w", target, resp.GetStatus(), ctx.Err())
		case <-ticker.C:
		}
	}
}
