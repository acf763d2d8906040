package auth

import (
	"context"
	"fmt"
	"strings"
)

// EnsureBuiltins ensures the predefined permission catalog exists.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, BuiltinPermissions)
}

func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	return sortPermissions(perms), nil
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *Service) CreateRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.TrimSpace(strings.ToLower(role.Name))
	if role.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role.Slug = strings.TrimSpace(role.Slug)
	if role.Slug == "" {
		role.Slug = slugify(role.Name)
	}
	role.DisplayName = strings.TrimSpace(role.DisplayName)
	if role.DisplayName == "" {
		role.DisplayName = role.Name
	}
	role.Description = strings.TrimSpace(role.Description)
	role.IsActive = true
	created, err := s.store.CreateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, "authz.role.create", map[string]any{
		"role_id":  created.ID,
		"name":     created.Name,
		"is_admin": created.IsAdmin,
	})
	return created, nil
}

func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	if roleID <= 0 {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := s.store.RoleByID(ctx, roleID); err != nil {
		return nil, err
	}
	perms, err := s.store.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return sortPermissions(perms), nil
}

// SetRolePermissions replaces the role's permission map. Users already holding
// the role keep their materialised grants until they are re-synced.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, names []string) error {
	if roleID <= 0 {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	names = dedupeStrings(names)
	if err := s.store.SetRolePermissions(ctx, roleID, names); err != nil {
		return err
	}
	s.record(ctx, "authz.role.permissions.update", map[string]any{
		"role_id":     roleID,
		"permissions": names,
	})
	return nil
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
