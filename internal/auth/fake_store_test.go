package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the service tests. InTx works on a copy
// of the grant table and only publishes it when fn succeeds.
type memStore struct {
	mu sync.Mutex

	users    map[int64]User
	roles    map[int64]Role
	perms    []Permission
	roleMap  map[int64][]int64
	grants   map[int64][]int64
	legacy   map[int64][]string
	cache    map[int64][]string
	failures map[int64]int
	locks    map[int64]*time.Time

	// staleLoginState makes UserByLogin return rows read before the latest
	// failure was recorded.
	staleLoginState bool

	failGrants  error
	failInsert  error
	insertCalls int
	nextRoleID  int64
}

func newMemStore() *memStore {
	s := &memStore{
		users:    map[int64]User{},
		roles:    map[int64]Role{},
		roleMap:  map[int64][]int64{},
		grants:   map[int64][]int64{},
		legacy:   map[int64][]string{},
		cache:    map[int64][]string{},
		failures: map[int64]int{},
		locks:    map[int64]*time.Time{},
	}
	for i, p := range BuiltinPermissions {
		p.ID = int64(i + 1)
		s.perms = append(s.perms, p)
	}
	s.roles[1] = Role{ID: 1, Name: "admin", Slug: "admin", DisplayName: "Administrator", IsAdmin: true, IsActive: true}
	s.roles[2] = Role{ID: 2, Name: "editor", Slug: "editor", DisplayName: "Editor", IsActive: true}
	s.roles[3] = Role{ID: 3, Name: "viewer", Slug: "viewer", DisplayName: "Viewer", IsActive: true}
	s.roles[4] = Role{ID: 4, Name: "empty", Slug: "empty", DisplayName: "Empty", IsActive: true}
	s.roleMap[2] = s.ids(PermContentView, PermContentEdit)
	s.roleMap[3] = s.ids(PermDashboardView, PermContentView)
	s.nextRoleID = 5
	return s
}

func (s *memStore) ids(names ...string) []int64 {
	var out []int64
	for _, n := range names {
		for _, p := range s.perms {
			if p.Name == n {
				out = append(out, p.ID)
			}
		}
	}
	return out
}

func (s *memStore) permByID(id int64) (Permission, bool) {
	for _, p := range s.perms {
		if p.ID == id {
			return p, true
		}
	}
	return Permission{}, false
}

func (s *memStore) addUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	s.users[u.ID] = u
}

func (s *memStore) UserByID(_ context.Context, id int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.withLoginState(u), nil
}

func (s *memStore) withLoginState(u User) User {
	u.FailedLoginAttempts = s.failures[u.ID]
	u.LockedUntil = s.locks[u.ID]
	return u
}

func (s *memStore) UserByLogin(_ context.Context, login string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, login) || strings.EqualFold(u.Email, login) {
			if s.staleLoginState {
				return u, nil
			}
			return s.withLoginState(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memStore) RecordLoginFailure(_ context.Context, userID int64, now time.Time, maxAttempts int, lockout time.Duration) (LoginFailures, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts, lock := s.failures[userID], s.locks[userID]
	if lock != nil && !now.Before(*lock) {
		attempts, lock = 0, nil
	}
	attempts++
	if lock == nil && attempts >= maxAttempts {
		until := now.Add(lockout)
		lock = &until
	}
	s.failures[userID] = attempts
	s.locks[userID] = lock
	return LoginFailures{Attempts: attempts, LockedUntil: lock}, nil
}

func (s *memStore) RecordLoginSuccess(_ context.Context, userID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock := s.locks[userID]; lock != nil && now.Before(*lock) {
		return ErrAccountLocked
	}
	delete(s.failures, userID)
	delete(s.locks, userID)
	return nil
}

func (s *memStore) ListPermissions(context.Context) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Permission(nil), s.perms...), nil
}

func (s *memStore) EnsurePermissions(_ context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if len(s.ids(p.Name)) > 0 {
			continue
		}
		p.ID = int64(len(s.perms) + 1)
		s.perms = append(s.perms, p)
	}
	return nil
}

func (s *memStore) ListRoles(context.Context) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) RoleByID(_ context.Context, id int64) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) CreateRole(_ context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == role.Name {
			return Role{}, ErrConflict
		}
	}
	role.ID = s.nextRoleID
	s.nextRoleID++
	s.roles[role.ID] = role
	return role, nil
}

func (s *memStore) RolePermissions(_ context.Context, roleID int64) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Permission
	for _, id := range s.roleMap[roleID] {
		if p, ok := s.permByID(id); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) SetRolePermissions(_ context.Context, roleID int64, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return ErrNotFound
	}
	ids := s.ids(names...)
	if len(ids) != len(names) {
		return ErrInvalidInput
	}
	s.roleMap[roleID] = ids
	return nil
}

func (s *memStore) UserGrants(_ context.Context, userID int64) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGrants != nil {
		return nil, s.failGrants
	}
	var out []Permission
	for _, id := range s.grants[userID] {
		if p, ok := s.permByID(id); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) LegacyUserGrants(_ context.Context, userID int64) ([]LegacyGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LegacyGrant
	for _, name := range s.legacy[userID] {
		g := LegacyGrant{Name: name}
		for _, p := range s.perms {
			if p.Name == name {
				p := p
				g.Matched = &p
			}
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *memStore) InTx(_ context.Context, fn func(tx GrantTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, grants: map[int64][]int64{}, cache: map[int64][]string{}, roles: map[int64]*int64{}}
	for k, v := range s.grants {
		tx.grants[k] = append([]int64(nil), v...)
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.grants = tx.grants
	for k, v := range tx.cache {
		s.cache[k] = v
	}
	for userID, roleID := range tx.roles {
		u := s.users[userID]
		u.RoleID = roleID
		u.RoleRef = nil
		if roleID != nil {
			u.Role = s.roles[*roleID].Name
		}
		s.users[userID] = u
	}
	return nil
}

func (s *memStore) grantNames(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.grants[userID] {
		p, _ := s.permByID(id)
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// memTx runs with the store mutex held.
type memTx struct {
	s      *memStore
	grants map[int64][]int64
	cache  map[int64][]string
	roles  map[int64]*int64
}

func (t *memTx) UserByID(_ context.Context, id int64) (User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (t *memTx) RoleByID(_ context.Context, id int64) (Role, error) {
	r, ok := t.s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) RolePermissionIDs(_ context.Context, roleID int64) ([]int64, error) {
	return append([]int64(nil), t.s.roleMap[roleID]...), nil
}

func (t *memTx) PermissionIDsByName(_ context.Context, names []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, n := range names {
		for _, p := range t.s.perms {
			if p.Name == n {
				out[n] = p.ID
			}
		}
	}
	return out, nil
}

func (t *memTx) SetUserRole(_ context.Context, userID int64, role Role) error {
	id := role.ID
	t.roles[userID] = &id
	return nil
}

func (t *memTx) ClearUserGrants(_ context.Context, userID int64) error {
	delete(t.grants, userID)
	return nil
}

func (t *memTx) InsertUserGrant(_ context.Context, userID, permissionID int64, _ *int64) (bool, error) {
	t.s.insertCalls++
	if t.s.failInsert != nil {
		return false, t.s.failInsert
	}
	for _, id := range t.grants[userID] {
		if id == permissionID {
			return false, nil
		}
	}
	t.grants[userID] = append(t.grants[userID], permissionID)
	return true, nil
}

func (t *memTx) RefreshPermissionCache(_ context.Context, userID int64) error {
	var names []string
	for _, id := range t.grants[userID] {
		if p, ok := t.s.permByID(id); ok {
			names = append(names, p.Name)
		}
	}
	t.cache[userID] = names
	return nil
}

var errDB = errors.New("connection refused")
