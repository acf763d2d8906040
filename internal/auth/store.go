package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	// Credential store.
	UserByID(ctx context.Context, id int64) (User, error)
	UserByLogin(ctx context.Context, login string) (User, error)
	// RecordLoginFailure increments the failure counter and applies the lock in
	// one atomic step. An expired lock restarts the counter at one.
	RecordLoginFailure(ctx context.Context, userID int64, now time.Time, maxAttempts int, lockout time.Duration) (LoginFailures, error)
	// RecordLoginSuccess clears the counter unless the account is locked at now,
	// in which case it returns ErrAccountLocked and changes nothing.
	RecordLoginSuccess(ctx context.Context, userID int64, now time.Time) error

	// Catalogs.
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListRoles(ctx context.Context) ([]Role, error)
	RoleByID(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	RolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	SetRolePermissions(ctx context.Context, roleID int64, names []string) error

	// Grant set reads.
	UserGrants(ctx context.Context, userID int64) ([]Permission, error)
	LegacyUserGrants(ctx context.Context, userID int64) ([]LegacyGrant, error)

	// InTx runs fn inside a single database transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx GrantTx) error) error
}

// LoginFailures is the stored lockout state after a failed attempt.
type LoginFailures struct {
	Attempts    int        `db:"failed_login_attempts"`
	LockedUntil *time.Time `db:"locked_until"`
}

// GrantTx is the set of grant mutations available inside a transaction.
type GrantTx interface {
	UserByID(ctx context.Context, id int64) (User, error)
	RoleByID(ctx context.Context, id int64) (Role, error)
	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	PermissionIDsByName(ctx context.Context, names []string) (map[string]int64, error)
	SetUserRole(ctx context.Context, userID int64, role Role) error
	ClearUserGrants(ctx context.Context, userID int64) error
	// InsertUserGrant reports false when the pair already exists.
	InsertUserGrant(ctx context.Context, userID, permissionID int64, grantedBy *int64) (bool, error)
	// RefreshPermissionCache rewrites the user's denormalised permission list.
	RefreshPermissionCache(ctx context.Context, userID int64) error
}
