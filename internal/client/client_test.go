package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"sitecms.org/internal/auth"
	"sitecms.org/internal/httpapi"
	"sitecms.org/internal/obs"
)

const loginBody = `{
  "token": "tok",
  "expires_at": "2026-01-01T00:00:00Z",
  "user": {
    "id": 7, "username": "ed", "role": "editor", "role_name": "Editor", "is_super_admin": false,
    "permissions": ["content.view", {"name": "content.edit", "display_name": "Edit content"}],
    "modules": ["content"]
  },
  "admin_aliases": {"version": 1, "names": ["admin", "super_admin"]}
}`

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req["password"] {
		case "secret":
			_, _ = w.Write([]byte(loginBody))
		case "locked":
			w.WriteHeader(http.StatusLocked)
			_, _ = w.Write([]byte(`{"error":"account temporarily locked","request_id":"r1"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid credentials","request_id":"r2"}`))
		}
	})
	mux.HandleFunc("/v1/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":7,"role":"admin","permissions":[],"modules":[]},"admin_aliases":{"version":2,"names":["admin"]}}`))
	})
	mux.HandleFunc("/v1/navigation", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"key":"content","label":"Content"}]}`))
	})
	mux.HandleFunc("/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error, try again","request_id":"r3"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginStoresSessionAndDrivesGate(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL+"/", srv.Client())
	ctx := context.Background()

	assert.False(t, c.Can(auth.PermContentView))

	s, err := c.Login(ctx, "ed", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok", s.Token)
	assert.Equal(t, 1, s.Aliases.Version)

	assert.True(t, c.Can(auth.PermContentView))
	assert.True(t, c.Can("Edit content"))
	assert.False(t, c.Can(auth.PermUsersEdit))
	assert.True(t, c.CanOpen("content"))
	assert.False(t, c.CanOpen("jobs"))

	nav, err := c.Navigation(ctx)
	require.NoError(t, err)
	require.Len(t, nav, 1)
	assert.Equal(t, "content", nav[0].Key)
}

func TestRefreshPicksUpAliasChanges(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL, srv.Client())
	ctx := context.Background()

	_, err := c.Refresh(ctx)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = c.Login(ctx, "ed", "secret")
	require.NoError(t, err)
	s, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Aliases.Version)
	assert.True(t, c.Can(auth.PermUsersEdit), "admin alias grants everything")

	require.NoError(t, c.Logout(ctx))
	assert.Nil(t, c.Session())
	assert.False(t, c.Can(auth.PermContentView))
}

func TestErrorsMapToSentinels(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL, srv.Client())
	ctx := context.Background()

	_, err := c.Login(ctx, "ed", "wrong")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = c.Login(ctx, "ed", "locked")
	require.ErrorIs(t, err, auth.ErrAccountLocked)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "r1", apiErr.RequestID)

	err = c.do(ctx, http.MethodGet, "/v1/fail", "", nil, nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestWaitReady(t *testing.T) {
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	health := httpapi.NewHealthServer(httpapi.ReadyProbe{}, zerolog.Nop())
	health.Register(server)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	})
	creds := grpc.WithTransportCredentials(insecure.NewCredentials())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.Error(t, WaitReady(ctx, "passthrough:///bufnet", obs.ServiceName, dialer, creds))

	health.Refresh(context.Background())
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, WaitReady(ctx2, "passthrough:///bufnet", obs.ServiceName, dialer, creds))
}
