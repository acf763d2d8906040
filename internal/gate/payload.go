package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"sitecms.org/internal/auth"
)

// PermissionRef is the single shape a permission entry takes once decoded.
// The wire form may be a bare string or an object carrying name/display_name.
type PermissionRef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Category    string `json:"category,omitempty"`
}

func (p *PermissionRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = PermissionRef{}
		return nil
	}
	if data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*p = PermissionRef{Name: strings.TrimSpace(name)}
		return nil
	}
	type plain PermissionRef
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("gate: permission must be a string or an object")
	}
	obj.Name = strings.TrimSpace(obj.Name)
	obj.DisplayName = strings.TrimSpace(obj.DisplayName)
	*p = PermissionRef(obj)
	return nil
}

func (p PermissionRef) matches(name string) bool {
	if name == "" {
		return false
	}
	return p.Name == name || p.DisplayName == name
}

// User is the user object delivered with the login response and by /v1/me.
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	Role         string          `json:"role"`
	RoleName     string          `json:"role_name"`
	IsSuperAdmin bool            `json:"is_super_admin"`
	Permissions  []PermissionRef `json:"permissions"`
	Modules      []string        `json:"modules"`
}

// AliasPayload carries the administrative alias set to clients.
type AliasPayload struct {
	Version int      `json:"version"`
	Names   []string `json:"names"`
}

// FromPrincipal builds the client payload for a resolved principal.
func FromPrincipal(p auth.Principal) User {
	perms := make([]PermissionRef, 0, len(p.Permissions))
	for _, perm := range p.Permissions {
		perms = append(perms, PermissionRef{Name: perm.Name, DisplayName: perm.DisplayName, Category: perm.Category})
	}
	modules := p.Modules
	if modules == nil {
		modules = []string{}
	}
	return User{
		ID:           p.User.ID,
		Username:     p.User.Username,
		Email:        p.User.Email,
		Role:         p.User.Role,
		RoleName:     p.User.RoleName(),
		IsSuperAdmin: p.SuperAdmin,
		Permissions:  perms,
		Modules:      modules,
	}
}

// AliasesPayload renders an alias set for the wire.
func AliasesPayload(set auth.AliasSet) AliasPayload {
	return AliasPayload{Version: set.Version(), Names: set.Names()}
}

// AliasSet rebuilds the shared alias set from its wire form.
func (a AliasPayload) AliasSet() auth.AliasSet {
	return auth.NewAliasSet(a.Version, a.Names...)
}
