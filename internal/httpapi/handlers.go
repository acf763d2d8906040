package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"sitecms.org/internal/auth"
	"sitecms.org/internal/gate"
	"sitecms.org/internal/obs"
)

// ReadyProbe checks that the database answers.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Service is the authorization surface the HTTP layer needs. *auth.Service satisfies it.
type Service interface {
	Aliases() auth.AliasSet
	Login(ctx context.Context, login, password string) (auth.LoginResult, error)
	Logout(ctx context.Context, token string) error
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
	ResolveEffectivePermissions(ctx context.Context, userID int64) ([]auth.Permission, error)
	ListPermissions(ctx context.Context) ([]auth.Permission, error)
	ListRoles(ctx context.Context) ([]auth.Role, error)
	CreateRole(ctx context.Context, role auth.Role) (auth.Role, error)
	RolePermissions(ctx context.Context, roleID int64) ([]auth.Permission, error)
	SetRolePermissions(ctx context.Context, roleID int64, names []string) error
	AssignRolePermissionsToUser(ctx context.Context, userID, roleID, grantedBy int64) (int, error)
	ChangeUserRole(ctx context.Context, userID, roleID, grantedBy int64) (int, error)
	SetUserPermissions(ctx context.Context, userID int64, names []string, grantedBy int64) (int, error)
}

// API is the HTTP layer.
type API struct {
	mux            *http.ServeMux
	readyProbe     ReadyProbe
	version        string
	svc            Service
	gate           *gate.Gate
	navigation     []gate.NavItem
	log            *zerolog.Logger
	allowedOrigins []string
	maxBodyBytes   int64
	rateBurst      int
	ratePerSec     float64
	trustedProxies []netip.Prefix
}

type Option func(*API)

// WithAllowedOrigins sets the CORS allow-list. Localhost origins are always allowed.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.allowedOrigins = append([]string(nil), origins...) }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithLoginRateLimit configures the per-client token bucket on the login route.
func WithLoginRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is believed.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = append([]netip.Prefix(nil), prefixes...) }
}

func WithNavigation(items []gate.NavItem) Option {
	return func(a *API) { a.navigation = items }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func New(rp ReadyProbe, version string, svc Service, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		svc:          svc,
		navigation:   gate.DefaultNavigation(),
		log:          obs.Logger(),
		maxBodyBytes: 1 << 20,
		rateBurst:    5,
		ratePerSec:   1,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.gate = gate.New(svc.Aliases())

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), a.rateBurst, a.ratePerSec, a.trustedProxies))
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)

	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/me/permissions", a.handleMyPermissions)
	a.mux.HandleFunc("/v1/me/modules", a.handleMyModules)
	a.mux.HandleFunc("/v1/navigation", a.handleNavigation)

	a.mux.Handle("/v1/permissions", RequirePermission(auth.PermRolesManage)(http.HandlerFunc(a.handlePermissions)))
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.allowedOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		a.log.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    obs.ServiceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
