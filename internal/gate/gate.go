// Package gate mirrors the server's authorization decisions for rendering
// purposes. It is advisory: every mutating endpoint re-checks permissions on
// the server, and nothing here may be used as a security boundary.
package gate

import "sitecms.org/internal/auth"

// Gate answers permission questions about an already resolved user object.
type Gate struct {
	aliases auth.AliasSet
}

// New returns a gate that shares the resolver's administrative alias set.
func New(aliases auth.AliasSet) *Gate {
	return &Gate{aliases: aliases}
}

func (g *Gate) isAdmin(u User) bool {
	return u.IsSuperAdmin || g.aliases.Matches(u.Role, u.RoleName)
}

// HasPermission reports whether the user holds permission, matching the entry
// name or display name exactly.
func (g *Gate) HasPermission(u User, permission string) bool {
	if g.isAdmin(u) {
		return true
	}
	for _, p := range u.Permissions {
		if p.matches(permission) {
			return true
		}
	}
	return false
}

// HasAnyPermission is false for an empty list.
func (g *Gate) HasAnyPermission(u User, permissions []string) bool {
	for _, p := range permissions {
		if g.HasPermission(u, p) {
			return true
		}
	}
	return false
}

// HasAllPermissions is true for an empty list.
func (g *Gate) HasAllPermissions(u User, permissions []string) bool {
	for _, p := range permissions {
		if !g.HasPermission(u, p) {
			return false
		}
	}
	return true
}

func (g *Gate) HasModuleAccess(u User, module string) bool {
	if g.isAdmin(u) {
		return true
	}
	for _, m := range u.Modules {
		if m == module && m != "" {
			return true
		}
	}
	return false
}

func (g *Gate) hasAnyModule(u User, modules []string) bool {
	for _, m := range modules {
		if g.HasModuleAccess(u, m) {
			return true
		}
	}
	return false
}
