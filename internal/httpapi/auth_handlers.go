package httpapi

import (
	"net/http"
	"time"

	"sitecms.org/internal/auth"
	"sitecms.org/internal/gate"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token        string            `json:"token"`
	ExpiresAt    time.Time         `json:"expires_at"`
	User         gate.User         `json:"user"`
	AdminAliases gate.AliasPayload `json:"admin_aliases"`
}

type meResponse struct {
	User         gate.User         `json:"user"`
	AdminAliases gate.AliasPayload `json:"admin_aliases"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:        res.Token,
		ExpiresAt:    res.ExpiresAt.UTC(),
		User:         gate.FromPrincipal(res.Principal),
		AdminAliases: gate.AliasesPayload(a.svc.Aliases()),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.svc.Logout(r.Context(), token); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principal(w, r, http.MethodGet)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:         gate.FromPrincipal(principal),
		AdminAliases: gate.AliasesPayload(a.svc.Aliases()),
	})
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principal(w, r, http.MethodGet)
	if !ok {
		return
	}
	perms := principal.Permissions
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"is_super_admin": principal.SuperAdmin,
		"permissions":    perms,
	})
}

func (a *API) handleMyModules(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principal(w, r, http.MethodGet)
	if !ok {
		return
	}
	modules := principal.Modules
	if modules == nil {
		modules = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
}

// handleNavigation returns the dashboard sections the caller may see. The result
// only shapes the UI; each endpoint behind a section checks permissions again.
func (a *API) handleNavigation(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principal(w, r, http.MethodGet)
	if !ok {
		return
	}
	user := gate.FromPrincipal(principal)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": a.gate.FilterNavigation(user, a.navigation),
	})
}

func (a *API) principal(w http.ResponseWriter, r *http.Request, method string) (auth.Principal, bool) {
	if r.Method != method {
		methodNotAllowed(w, r, method)
		return auth.Principal{}, false
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return principal, true
}
