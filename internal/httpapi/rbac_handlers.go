package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"sitecms.org/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type changeRoleRequest struct {
	RoleID int64 `json:"role_id"`
}

// syncGrantsRequest is used by provisioning tools. FallbackPermissions are applied
// when the role has nothing mapped yet.
type syncGrantsRequest struct {
	RoleID              int64    `json:"role_id"`
	FallbackPermissions []string `json:"fallback_permissions"`
}

type grantsResponse struct {
	UserID  int64  `json:"user_id"`
	RoleID  int64  `json:"role_id,omitempty"`
	Granted int    `json:"granted"`
	Source  string `json:"source,omitempty"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	perms, err := a.svc.ListPermissions(r.Context())
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, auth.PermRolesManage) {
			return
		}
		roles, err := a.svc.ListRoles(r.Context())
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		if roles == nil {
			roles = []auth.Role{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		if !a.ensurePermissions(w, r, auth.PermRolesManage) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.svc.CreateRole(r.Context(), auth.Role{
			Name:        req.Name,
			Slug:        req.Slug,
			DisplayName: req.DisplayName,
			Description: req.Description,
		})
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%d", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleRoleResource serves /v1/roles/{id}/permissions.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	roleID, sub, ok := resourceID(r.URL.Path, "/v1/roles/")
	if !ok || sub != "permissions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, auth.PermRolesManage) {
			return
		}
		perms, err := a.svc.RolePermissions(r.Context(), roleID)
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permissions": perms})
	case http.MethodPut:
		if !a.ensurePermissions(w, r, auth.PermRolesManage) {
			return
		}
		var req permissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.SetRolePermissions(r.Context(), roleID, req.Permissions); err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// handleUserResource serves /v1/users/{id}/role, /v1/users/{id}/permissions and
// /v1/users/{id}/grants/sync.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	userID, sub, ok := resourceID(r.URL.Path, "/v1/users/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch sub {
	case "role":
		a.changeUserRole(w, r, userID)
	case "permissions":
		a.userPermissions(w, r, userID)
	case "grants/sync":
		a.syncUserGrants(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) changeUserRole(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermUsersEdit) {
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RoleID <= 0 {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	granted, err := a.svc.ChangeUserRole(r.Context(), userID, req.RoleID, actorID(r))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantsResponse{UserID: userID, RoleID: req.RoleID, Granted: granted, Source: "role"})
}

func (a *API) userPermissions(w http.ResponseWriter, r *http.Request, userID int64) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, auth.PermUsersView) {
			return
		}
		perms, err := a.svc.ResolveEffectivePermissions(r.Context(), userID)
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":     userID,
			"permissions": perms,
			"modules":     auth.ModulesOf(perms),
		})
	case http.MethodPut:
		if !a.ensurePermissions(w, r, auth.PermUsersEdit) {
			return
		}
		var req permissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		granted, err := a.svc.SetUserPermissions(r.Context(), userID, req.Permissions, actorID(r))
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grantsResponse{UserID: userID, Granted: granted, Source: "explicit"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// syncUserGrants copies a role's permissions onto the user. When the role has no
// mapped permissions and the caller supplied a fallback list, that list is granted
// instead.
func (a *API) syncUserGrants(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermUsersEdit) {
		return
	}
	var req syncGrantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RoleID <= 0 {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	granted, err := a.svc.AssignRolePermissionsToUser(r.Context(), userID, req.RoleID, actorID(r))
	if errors.Is(err, auth.ErrRoleHasNoPermissions) && len(req.FallbackPermissions) > 0 {
		a.log.Warn().Int64("user_id", userID).Int64("role_id", req.RoleID).
			Msg("role has no mapped permissions, applying fallback list")
		granted, err = a.svc.SetUserPermissions(r.Context(), userID, req.FallbackPermissions, actorID(r))
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grantsResponse{UserID: userID, RoleID: req.RoleID, Granted: granted, Source: "fallback"})
		return
	}
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantsResponse{UserID: userID, RoleID: req.RoleID, Granted: granted, Source: "role"})
}

// resourceID splits "/prefix/{id}/rest" into a positive id and "rest".
func resourceID(path, prefix string) (int64, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return 0, "", false
	}
	idPart, sub, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	return id, sub, true
}

func actorID(r *http.Request) int64 {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}
