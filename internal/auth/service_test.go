package auth

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventSink struct {
	events []recordedEvent
	err    error
}

func (e *eventSink) Record(_ context.Context, event string, fields map[string]any) error {
	e.events = append(e.events, recordedEvent{name: event, fields: fields})
	return e.err
}

type memRevoker struct {
	revoked map[string]time.Time
}

func (m *memRevoker) Revoke(_ context.Context, id string, until time.Time) error {
	if m.revoked == nil {
		m.revoked = map[string]time.Time{}
	}
	m.revoked[id] = until
	return nil
}

func (m *memRevoker) IsRevoked(_ context.Context, id string) (bool, error) {
	_, ok := m.revoked[id]
	return ok, nil
}

func newTestService(t *testing.T, store *memStore, opts ...ServiceOption) (*Service, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	svc, err := NewService(store, append([]ServiceOption{WithLogger(&logger)}, opts...)...)
	require.NoError(t, err)
	return svc, &buf
}

func names(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Name)
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func int64p(v int64) *int64 { return &v }

func TestAssignEditorRoleThenResolve(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "user", RoleID: int64p(2)})
	events := &eventSink{}
	svc, _ := newTestService(t, store, WithEventRecorder(events))
	ctx := context.Background()

	written, err := svc.AssignRolePermissionsToUser(ctx, 10, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	perms, err := svc.ResolveEffectivePermissions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{PermContentView, PermContentEdit}, names(perms))

	modules, err := svc.ResolveAccessibleModules(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"content"}, modules)

	assert.Equal(t, []string{PermContentEdit, PermContentView}, sorted(store.cache[10]))
	require.Len(t, events.events, 1)
	assert.Equal(t, "authz.grants.assign_role", events.events[0].name)
	assert.Equal(t, int64(1), events.events[0].fields["granted_by"])
}

func TestAssignRoleIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "user"})
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.AssignRolePermissionsToUser(ctx, 10, 3, 1)
	require.NoError(t, err)
	once := store.grantNames(10)

	_, err = svc.AssignRolePermissionsToUser(ctx, 10, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, once, store.grantNames(10))
	assert.Len(t, store.grantNames(10), 2)
}

func TestAssignRoleReplacesPreviousGrants(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "user"})
	store.grants[10] = store.ids(PermJobsView, PermUsersEdit)
	svc, _ := newTestService(t, store)

	_, err := svc.AssignRolePermissionsToUser(context.Background(), 10, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{PermContentEdit, PermContentView}, store.grantNames(10))
}

func TestAssignRoleWithoutPermissionsKeepsGrants(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "user"})
	store.grants[10] = store.ids(PermJobsView)
	svc, _ := newTestService(t, store)

	_, err := svc.AssignRolePermissionsToUser(context.Background(), 10, 4, 1)
	require.ErrorIs(t, err, ErrRoleHasNoPermissions)
	assert.Equal(t, []string{PermJobsView}, store.grantNames(10))
}

func TestAssignRoleRollsBackOnInsertFailure(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "user"})
	store.grants[10] = store.ids(PermJobsView)
	store.failInsert = errDB
	svc, _ := newTestService(t, store)

	_, err := svc.AssignRolePermissionsToUser(context.Background(), 10, 2, 1)
	require.ErrorIs(t, err, errDB)
	assert.Equal(t, []string{PermJobsView}, store.grantNames(10), "a failed replacement must not leave the user without grants")
}

func TestAssignRoleRequiresExistingTargets(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.AssignRolePermissionsToUser(ctx, 99, 2, 1)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.AssignRolePermissionsToUser(ctx, 10, 99, 1)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.AssignRolePermissionsToUser(ctx, 0, 2, 1)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSuperAdminResolvesWholeCatalog(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 1, Username: "a", Role: "admin"})
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	user, err := store.UserByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, svc.IsSuperAdmin(user))

	perms, err := svc.ResolveEffectivePermissions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, perms, len(BuiltinPermissions))
}

func TestSuperAdminIgnoresGrantRows(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 1, Username: "a", Role: "user", RoleID: int64p(1)})
	store.grants[1] = store.ids(PermJobsView)
	svc, _ := newTestService(t, store)

	perms, err := svc.ResolveEffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, perms, len(BuiltinPermissions))
}

func TestDeactivatedAdminRoleFallsBackToGrants(t *testing.T) {
	store := newMemStore()
	admin := store.roles[1]
	admin.IsActive = false
	store.roles[1] = admin
	store.addUser(User{ID: 1, Username: "a", Role: "user", RoleID: int64p(1)})
	store.grants[1] = store.ids(PermJobsView)
	svc, _ := newTestService(t, store)

	perms, err := svc.ResolveEffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, PermJobsView, perms[0].Name)
}

func TestSuperAdminDetection(t *testing.T) {
	svc, _ := newTestService(t, newMemStore())
	cases := []struct {
		name string
		user User
		want bool
	}{
		{"role tag admin", User{Role: "admin"}, true},
		{"role tag super_admin", User{Role: "super_admin"}, true},
		{"display name alias", User{Role: "user", RoleRef: &Role{Name: "ops", DisplayName: "Super Administrator", IsActive: true}}, true},
		{"is_admin flag", User{Role: "user", RoleRef: &Role{Name: "root", IsAdmin: true, IsActive: true}}, true},
		{"inactive is_admin role", User{Role: "user", RoleRef: &Role{Name: "root", IsAdmin: true}}, false},
		{"inactive admin role with admin tag", User{Role: "admin", RoleRef: &Role{Name: "admin", IsAdmin: true}}, false},
		{"editor", User{Role: "editor", RoleRef: &Role{Name: "editor", DisplayName: "Editor", IsActive: true}}, false},
		{"empty", User{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, svc.IsSuperAdmin(tc.user))
		})
	}
}

func TestEveryPermissionDoesNotMakeSuperAdmin(t *testing.T) {
	store := newMemStore()
	var all []string
	for _, p := range BuiltinPermissions {
		all = append(all, p.Name)
	}
	store.addUser(User{ID: 5, Username: "x", Role: "editor"})
	store.grants[5] = store.ids(all...)
	svc, _ := newTestService(t, store)

	p, err := svc.Principal(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, p.SuperAdmin)
	assert.Len(t, p.Permissions, len(all))
}

func TestCustomAliasSet(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 3, Username: "o", Role: "owner"})
	svc, _ := newTestService(t, store, WithAdminAliases(NewAliasSet(2, "owner")))

	perms, err := svc.ResolveEffectivePermissions(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, perms, len(BuiltinPermissions))
	assert.Equal(t, 2, svc.Aliases().Version())

	_, err = NewService(store, WithAdminAliases(NewAliasSet(3)))
	require.Error(t, err)
}

func TestUnknownUserResolvesEmpty(t *testing.T) {
	svc, _ := newTestService(t, newMemStore())
	ctx := context.Background()

	perms, err := svc.ResolveEffectivePermissions(ctx, 404)
	require.NoError(t, err)
	assert.NotNil(t, perms)
	assert.Empty(t, perms)

	modules, err := svc.ResolveAccessibleModules(ctx, 404)
	require.NoError(t, err)
	assert.Empty(t, modules)
}

func TestDataAccessFailureIsNotEmptySet(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	store.failGrants = errDB
	svc, _ := newTestService(t, store)

	perms, err := svc.ResolveEffectivePermissions(context.Background(), 10)
	require.ErrorIs(t, err, errDB)
	assert.Nil(t, perms)
}

func TestDanglingLegacyGrantExcluded(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	store.grants[10] = store.ids(PermDashboardView)
	store.legacy[10] = []string{"Old Permission Name", PermJobsView}
	svc, logs := newTestService(t, store)

	perms, err := svc.ResolveEffectivePermissions(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{PermDashboardView, PermJobsView}, names(perms))
	for _, p := range perms {
		assert.NotEmpty(t, p.Name)
	}
	assert.Contains(t, logs.String(), "Old Permission Name")
	assert.Contains(t, logs.String(), "legacy permission name")
}

func TestModulesAreDistinctCategories(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	store.grants[10] = store.ids(PermContentView, PermContentEdit, PermJobsView)
	svc, _ := newTestService(t, store)

	modules, err := svc.ResolveAccessibleModules(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"content", "jobs"}, modules)
}

func TestRoleInheritance(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "viewer", RoleID: int64p(3)})
	store.grants[10] = store.ids(PermJobsView)
	ctx := context.Background()

	plain, _ := newTestService(t, store)
	perms, err := plain.ResolveEffectivePermissions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{PermJobsView}, names(perms))

	inheriting, _ := newTestService(t, store, WithRoleInheritance(true))
	perms, err = inheriting.ResolveEffectivePermissions(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{PermJobsView, PermDashboardView, PermContentView}, names(perms))
}

func TestSetUserPermissionsRoundTrip(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	want := []string{PermScholarshipsView, PermUsersView, PermPortfolioEdit}
	written, err := svc.SetUserPermissions(ctx, 10, append(want, PermUsersView), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	perms, err := svc.ResolveEffectivePermissions(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, names(perms))

	_, err = svc.SetUserPermissions(ctx, 10, nil, 1)
	require.NoError(t, err)
	perms, err = svc.ResolveEffectivePermissions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestSetUserPermissionsRejectsUnknownNames(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	store.grants[10] = store.ids(PermJobsView)
	svc, _ := newTestService(t, store)

	_, err := svc.SetUserPermissions(context.Background(), 10, []string{PermJobsEdit, "content.*"}, 1)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "content.*")
	assert.Equal(t, []string{PermJobsView}, store.grantNames(10))
}

func TestChangeUserRole(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "viewer", RoleID: int64p(3)})
	events := &eventSink{}
	svc, _ := newTestService(t, store, WithEventRecorder(events))
	ctx := context.Background()

	_, err := svc.ChangeUserRole(ctx, 10, 2, 1)
	require.NoError(t, err)

	user, err := store.UserByID(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, user.RoleID)
	assert.Equal(t, int64(2), *user.RoleID)
	assert.Equal(t, "editor", user.Role)
	assert.Equal(t, []string{PermContentEdit, PermContentView}, store.grantNames(10))
	require.Len(t, events.events, 1)
	assert.Equal(t, "authz.user.change_role", events.events[0].name)
}

func TestChangeUserRoleRejectsInactiveRole(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	store.roles[6] = Role{ID: 6, Name: "retired", IsActive: false}
	store.roleMap[6] = store.ids(PermJobsView)
	svc, _ := newTestService(t, store)

	_, err := svc.ChangeUserRole(context.Background(), 10, 6, 1)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMissingRoleReferenceIsLogged(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u", Role: "user", RoleID: int64p(77)})
	svc, logs := newTestService(t, store)

	p, err := svc.Principal(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, p.User.RoleRef)
	assert.Contains(t, logs.String(), "missing role")
}

func TestAuditFailureDoesNotFailMutation(t *testing.T) {
	store := newMemStore()
	store.addUser(User{ID: 10, Username: "u"})
	svc, logs := newTestService(t, store, WithEventRecorder(&eventSink{err: errors.New("broker down")}))

	_, err := svc.AssignRolePermissionsToUser(context.Background(), 10, 2, 1)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "audit record failed")
}

func TestCatalogOperations(t *testing.T) {
	store := newMemStore()
	events := &eventSink{}
	svc, _ := newTestService(t, store, WithEventRecorder(events))
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, Role{Name: " Content Manager "})
	require.NoError(t, err)
	assert.Equal(t, "content manager", role.Name)
	assert.Equal(t, "content-manager", role.Slug)
	assert.True(t, role.IsActive)

	_, err = svc.CreateRole(ctx, Role{Name: "  "})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, []string{PermContentEdit, PermContentView, PermContentEdit}))
	perms, err := svc.RolePermissions(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{PermContentView, PermContentEdit}, names(perms))

	_, err = svc.RolePermissions(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)

	all, err := svc.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(BuiltinPermissions))
	require.NoError(t, svc.EnsureBuiltins(ctx))
	all, _ = svc.ListPermissions(ctx)
	assert.Len(t, all, len(BuiltinPermissions))

	require.Len(t, events.events, 2)
	assert.Equal(t, "authz.role.create", events.events[0].name)
	assert.Equal(t, "authz.role.permissions.update", events.events[1].name)
}
