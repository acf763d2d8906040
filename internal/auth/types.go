package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusPending  = "pending"
	UserStatusInactive = "inactive"
)

// User is a row of the credential store.
type User struct {
	ID                  int64      `json:"id" db:"id"`
	Username            string     `json:"username" db:"username"`
	Email               string     `json:"email" db:"email"`
	PasswordHash        string     `json:"-" db:"password_hash"`
	Role                string     `json:"role" db:"role"`
	RoleID              *int64     `json:"role_id,omitempty" db:"role_id"`
	Status              string     `json:"status" db:"status"`
	EmailVerified       bool       `json:"email_verified" db:"email_verified"`
	FailedLoginAttempts int        `json:"-" db:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"-" db:"locked_until"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`

	// RoleRef is the referenced catalog role, loaded alongside the user when RoleID is set.
	RoleRef *Role `json:"-" db:"-"`
}

// RoleName returns the display name of the referenced role, falling back to its name.
func (u User) RoleName() string {
	if u.RoleRef == nil {
		return ""
	}
	if u.RoleRef.DisplayName != "" {
		return u.RoleRef.DisplayName
	}
	return u.RoleRef.Name
}

// Locked reports whether the account is locked at the given instant.
func (u User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Role is a named bundle of permissions.
type Role struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Slug        string `json:"slug" db:"slug"`
	DisplayName string `json:"display_name" db:"display_name"`
	Description string `json:"description,omitempty" db:"description"`
	IsAdmin     bool   `json:"is_admin" db:"is_admin"`
	IsActive    bool   `json:"is_active" db:"is_active"`
}

// Permission is a dot-namespaced capability such as "content.edit".
type Permission struct {
	ID          int64  `json:"id,omitempty" db:"id"`
	Name        string `json:"name" db:"name"`
	DisplayName string `json:"display_name" db:"display_name"`
	Category    string `json:"category" db:"category"`
	Description string `json:"description,omitempty" db:"description"`
}

// LegacyGrant is a grant row stored by permission name instead of permission id.
// Matched is nil when the name has no catalog row.
type LegacyGrant struct {
	Name    string
	Matched *Permission
}

// Grant is a persisted association between a user and a permission.
type Grant struct {
	UserID       int64     `json:"user_id" db:"user_id"`
	PermissionID int64     `json:"permission_id" db:"permission_id"`
	Granted      bool      `json:"granted" db:"granted"`
	GrantedBy    *int64    `json:"granted_by,omitempty" db:"granted_by"`
	GrantedAt    time.Time `json:"granted_at" db:"granted_at"`
}
