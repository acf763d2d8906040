package auth

import "errors"

var (
	ErrNotFound             = errors.New("auth: not found")
	ErrInvalidInput         = errors.New("auth: invalid input")
	ErrConflict             = errors.New("auth: resource conflict")
	ErrUnauthorized         = errors.New("auth: unauthorized")
	ErrForbidden            = errors.New("auth: forbidden")
	ErrInvalidCredentials   = errors.New("auth: invalid credentials")
	ErrAccountLocked        = errors.New("auth: account locked")
	ErrRoleHasNoPermissions = errors.New("auth: role has no mapped permissions")
	ErrInvalidToken         = errors.New("auth: invalid token")
)
