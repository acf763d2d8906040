package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sitecms.org/internal/obs"
)

const (
	defaultMaxFailedLogins = 5
	defaultLockout         = 15 * time.Minute
)

// Revoker tracks access tokens revoked before their expiry.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// EventRecorder receives audit events for grant and catalog mutations.
type EventRecorder interface {
	Record(ctx context.Context, event string, fields map[string]any) error
}

// Service is the authorization resolver plus the login flow built on top of it.
type Service struct {
	store       Store
	aliases     AliasSet
	inheritRole bool
	tokens      *TokenIssuer
	revoker     Revoker
	events      EventRecorder
	log         *zerolog.Logger
	now         func() time.Time

	maxFailedLogins int
	lockout         time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAdminAliases replaces the default administrative alias set.
func WithAdminAliases(set AliasSet) ServiceOption {
	return func(s *Service) error {
		if len(set.names) == 0 {
			return errors.New("auth: admin alias set is empty")
		}
		s.aliases = set
		return nil
	}
}

// WithRoleInheritance makes resolution include the role-permission map of the
// user's assigned role in addition to the materialised grants.
func WithRoleInheritance(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.inheritRole = enabled
		return nil
	}
}

// WithTokenIssuer enables Login and Authenticate.
func WithTokenIssuer(t *TokenIssuer) ServiceOption {
	return func(s *Service) error {
		s.tokens = t
		return nil
	}
}

// WithRevoker enables Logout and revocation checks.
func WithRevoker(r Revoker) ServiceOption {
	return func(s *Service) error {
		s.revoker = r
		return nil
	}
}

// WithEventRecorder sets the audit sink.
func WithEventRecorder(r EventRecorder) ServiceOption {
	return func(s *Service) error {
		s.events = r
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithLockoutPolicy configures failed-login lockout.
func WithLockoutPolicy(maxFailed int, lockout time.Duration) ServiceOption {
	return func(s *Service) error {
		if maxFailed > 0 {
			s.maxFailedLogins = maxFailed
		}
		if lockout > 0 {
			s.lockout = lockout
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:           store,
		aliases:         DefaultAdminAliases,
		log:             obs.Logger(),
		now:             time.Now,
		maxFailedLogins: defaultMaxFailedLogins,
		lockout:         defaultLockout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.tokens != nil {
		svc.tokens.now = svc.now
	}
	return svc, nil
}

// Aliases returns the administrative alias set shared with the client gate.
func (s *Service) Aliases() AliasSet { return s.aliases }

// IsSuperAdmin reports whether the user's role tag, referenced role name, or the
// referenced role's is_admin flag marks an unconditional super-administrator.
// Holding any combination of individual permissions never does, and neither
// does a reference to a deactivated role.
func (s *Service) IsSuperAdmin(user User) bool {
	labels := []string{user.Role}
	if user.RoleRef != nil {
		if !user.RoleRef.IsActive {
			return false
		}
		if user.RoleRef.IsAdmin {
			return true
		}
		labels = append(labels, user.RoleRef.Name, user.RoleRef.Slug, user.RoleRef.DisplayName)
	}
	return s.aliases.Matches(labels...)
}

// ResolveEffectivePermissions returns the permissions the user holds, ordered by
// category. Unknown users resolve to an empty list; data-access failures are
// returned as errors and must not be mistaken for an empty grant set.
func (s *Service) ResolveEffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	user, err := s.loadUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		obs.ObserveResolution("unknown_user")
		return []Permission{}, nil
	}
	if err != nil {
		obs.ObserveResolution("error")
		return nil, err
	}
	return s.resolveFor(ctx, user)
}

// ResolveAccessibleModules returns the distinct categories of the user's effective
// permissions.
func (s *Service) ResolveAccessibleModules(ctx context.Context, userID int64) ([]string, error) {
	perms, err := s.ResolveEffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ModulesOf(perms), nil
}

// Principal loads the user together with the resolved permission set.
func (s *Service) Principal(ctx context.Context, userID int64) (Principal, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := s.resolveFor(ctx, user)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(user, s.IsSuperAdmin(user), perms), nil
}

func (s *Service) loadUser(ctx context.Context, userID int64) (User, error) {
	if userID <= 0 {
		return User{}, ErrNotFound
	}
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user.RoleID != nil && user.RoleRef == nil {
		role, err := s.store.RoleByID(ctx, *user.RoleID)
		switch {
		case err == nil:
			user.RoleRef = &role
		case errors.Is(err, ErrNotFound):
			s.log.Warn().Int64("user_id", user.ID).Int64("role_id", *user.RoleID).Msg("user references missing role")
		default:
			return User{}, fmt.Errorf("load role %d: %w", *user.RoleID, err)
		}
	}
	return user, nil
}

func (s *Service) resolveFor(ctx context.Context, user User) ([]Permission, error) {
	if s.IsSuperAdmin(user) {
		all, err := s.store.ListPermissions(ctx)
		if err != nil {
			obs.ObserveResolution("error")
			return nil, fmt.Errorf("list permission catalog: %w", err)
		}
		obs.ObserveResolution("super_admin")
		if all == nil {
			all = []Permission{}
		}
		return sortPermissions(all), nil
	}

	byName := make(map[string]Permission)
	add := func(p Permission) {
		if p.Name == "" {
			return
		}
		if _, ok := byName[p.Name]; !ok {
			byName[p.Name] = p
		}
	}

	direct, err := s.store.UserGrants(ctx, user.ID)
	if err != nil {
		obs.ObserveResolution("error")
		return nil, fmt.Errorf("load grants for user %d: %w", user.ID, err)
	}
	for _, p := range direct {
		add(p)
	}

	legacy, err := s.store.LegacyUserGrants(ctx, user.ID)
	if err != nil {
		obs.ObserveResolution("error")
		return nil, fmt.Errorf("load legacy grants for user %d: %w", user.ID, err)
	}
	for _, g := range legacy {
		obs.ObserveLegacyGrant(g.Matched != nil)
		if g.Matched == nil {
			s.log.Warn().Int64("user_id", user.ID).Str("permission", g.Name).
				Msg("legacy grant has no catalog entry; excluded")
			continue
		}
		s.log.Warn().Int64("user_id", user.ID).Str("permission", g.Name).
			Msg("grant resolved through legacy permission name")
		add(*g.Matched)
	}

	if s.inheritRole && user.RoleID != nil {
		inherited, err := s.store.RolePermissions(ctx, *user.RoleID)
		if err != nil {
			obs.ObserveResolution("error")
			return nil, fmt.Errorf("load permissions of role %d: %w", *user.RoleID, err)
		}
		for _, p := range inherited {
			add(p)
		}
	}

	out := make([]Permission, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	obs.ObserveResolution("resolved")
	return sortPermissions(out), nil
}

// AssignRolePermissionsToUser replaces the user's grant set with the permissions
// mapped to the role. The clear and re-insert run in one transaction; if the role
// maps no permissions nothing changes and ErrRoleHasNoPermissions is returned.
// It returns the number of grants written.
func (s *Service) AssignRolePermissionsToUser(ctx context.Context, userID, roleID, grantedBy int64) (int, error) {
	if userID <= 0 || roleID <= 0 {
		return 0, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	var written int
	err := s.store.InTx(ctx, func(tx GrantTx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		role, err := requireRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		written, err = replaceGrantsFromRole(ctx, tx, userID, role.ID, grantedBy)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, "authz.grants.assign_role", map[string]any{
		"user_id":    userID,
		"role_id":    roleID,
		"granted_by": grantedBy,
		"count":      written,
	})
	return written, nil
}

// ChangeUserRole points the user at a new catalog role and re-materialises the
// grant set from its permission map, atomically.
func (s *Service) ChangeUserRole(ctx context.Context, userID, roleID, grantedBy int64) (int, error) {
	if userID <= 0 || roleID <= 0 {
		return 0, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	var written int
	err := s.store.InTx(ctx, func(tx GrantTx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		role, err := requireRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if !role.IsActive {
			return fmt.Errorf("%w: role %d is inactive", ErrInvalidInput, roleID)
		}
		if err := tx.SetUserRole(ctx, userID, role); err != nil {
			return err
		}
		written, err = replaceGrantsFromRole(ctx, tx, userID, role.ID, grantedBy)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, "authz.user.change_role", map[string]any{
		"user_id":    userID,
		"role_id":    roleID,
		"granted_by": grantedBy,
		"count":      written,
	})
	return written, nil
}

// SetUserPermissions replaces the user's grant set with an explicit list of
// permission names. Unknown names are rejected; an empty list revokes everything.
func (s *Service) SetUserPermissions(ctx context.Context, userID int64, names []string, grantedBy int64) (int, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	names = dedupeStrings(names)
	var written int
	err := s.store.InTx(ctx, func(tx GrantTx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		ids := map[string]int64{}
		if len(names) > 0 {
			var err error
			ids, err = tx.PermissionIDsByName(ctx, names)
			if err != nil {
				return err
			}
		}
		var missing []string
		for _, n := range names {
			if _, ok := ids[n]; !ok {
				missing = append(missing, n)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: unknown permissions %s", ErrInvalidInput, strings.Join(missing, ", "))
		}
		if err := tx.ClearUserGrants(ctx, userID); err != nil {
			return err
		}
		for _, n := range names {
			ok, err := tx.InsertUserGrant(ctx, userID, ids[n], optionalID(grantedBy))
			if err != nil {
				return err
			}
			if ok {
				written++
			}
		}
		return tx.RefreshPermissionCache(ctx, userID)
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, "authz.grants.set", map[string]any{
		"user_id":     userID,
		"granted_by":  grantedBy,
		"permissions": names,
	})
	return written, nil
}

func replaceGrantsFromRole(ctx context.Context, tx GrantTx, userID, roleID, grantedBy int64) (int, error) {
	ids, err := tx.RolePermissionIDs(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: role %d", ErrRoleHasNoPermissions, roleID)
	}
	if err := tx.ClearUserGrants(ctx, userID); err != nil {
		return 0, err
	}
	written := 0
	for _, id := range ids {
		ok, err := tx.InsertUserGrant(ctx, userID, id, optionalID(grantedBy))
		if err != nil {
			return 0, err
		}
		if ok {
			written++
		}
	}
	if err := tx.RefreshPermissionCache(ctx, userID); err != nil {
		return 0, err
	}
	return written, nil
}

func requireUser(ctx context.Context, tx GrantTx, userID int64) error {
	if _, err := tx.UserByID(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %d does not exist", ErrInvalidInput, userID)
		}
		return err
	}
	return nil
}

func requireRole(ctx context.Context, tx GrantTx, roleID int64) (Role, error) {
	role, err := tx.RoleByID(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Role{}, fmt.Errorf("%w: role %d does not exist", ErrInvalidInput, roleID)
		}
		return Role{}, err
	}
	return role, nil
}

func (s *Service) record(ctx context.Context, event string, fields map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, event, fields); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("audit record failed")
	}
}

// sortPermissions orders by category, then catalog id, then name.
func sortPermissions(perms []Permission) []Permission {
	sort.SliceStable(perms, func(i, j int) bool {
		a, b := perms[i], perms[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Name < b.Name
	})
	return perms
}

func optionalID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
