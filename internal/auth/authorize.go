package auth

// Principal is an authenticated user with the resolved permission set.
type Principal struct {
	User         User
	SuperAdmin   bool
	Permissions  []Permission
	Modules      []string
	TokenID      string
	permissionIx map[string]struct{}
}

// NewPrincipal constructs a principal with preloaded permissions and modules.
func NewPrincipal(user User, superAdmin bool, perms []Permission) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p.Name] = struct{}{}
	}
	return Principal{
		User:         user,
		SuperAdmin:   superAdmin,
		Permissions:  perms,
		Modules:      ModulesOf(perms),
		permissionIx: set,
	}
}

// HasPermission reports whether the principal holds the permission. Super-admins
// hold every permission; names match exactly.
func (p Principal) HasPermission(name string) bool {
	if p.SuperAdmin {
		return true
	}
	_, ok := p.permissionIx[name]
	return ok
}

// PermissionNames returns the resolved permission names in resolution order.
func (p Principal) PermissionNames() []string {
	out := make([]string, 0, len(p.Permissions))
	for _, perm := range p.Permissions {
		out = append(out, perm.Name)
	}
	return out
}

// ModulesOf returns the distinct permission categories in first-seen order.
func ModulesOf(perms []Permission) []string {
	seen := make(map[string]struct{}, len(perms))
	modules := make([]string, 0)
	for _, p := range perms {
		if p.Category == "" {
			continue
		}
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		modules = append(modules, p.Category)
	}
	return modules
}
