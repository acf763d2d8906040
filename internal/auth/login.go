package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sitecms.org/internal/obs"
)

var unknownUserHash = sync.OnceValue(func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte("sitecms-unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		return ""
	}
	return string(hash)
})

// LoginResult is what the authentication flow hands back to the transport layer.
type LoginResult struct {
	Principal Principal
	Token     string
	ExpiresAt time.Time
}

// Login verifies credentials, applies the lockout policy, resolves the effective
// permission set and issues an access token. Resolution failures abort the login.
func (s *Service) Login(ctx context.Context, login, password string) (LoginResult, error) {
	if s.tokens == nil {
		return LoginResult{}, errors.New("auth: token issuer not configured")
	}
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		obs.ObserveLogin("invalid_input")
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.store.UserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		// same bcrypt cost as a known account
		VerifyPassword(unknownUserHash(), password)
		obs.ObserveLogin("unknown_user")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		obs.ObserveLogin("error")
		return LoginResult{}, fmt.Errorf("load credentials: %w", err)
	}

	now := s.now()
	if user.Locked(now) {
		obs.ObserveLogin("locked")
		return LoginResult{}, ErrAccountLocked
	}
	if !VerifyPassword(user.PasswordHash, password) {
		state, err := s.store.RecordLoginFailure(ctx, user.ID, now, s.maxFailedLogins, s.lockout)
		if err != nil {
			obs.ObserveLogin("error")
			return LoginResult{}, fmt.Errorf("record login failure: %w", err)
		}
		if state.LockedUntil != nil && state.Attempts == s.maxFailedLogins {
			s.log.Warn().Int64("user_id", user.ID).Time("locked_until", *state.LockedUntil).Msg("account locked after failed logins")
		}
		obs.ObserveLogin("bad_password")
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.Status != UserStatusActive {
		obs.ObserveLogin("inactive")
		return LoginResult{}, ErrInvalidCredentials
	}
	// the row read above may predate a lock set by a concurrent failure
	if err := s.store.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			obs.ObserveLogin("locked")
			return LoginResult{}, ErrAccountLocked
		}
		obs.ObserveLogin("error")
		return LoginResult{}, fmt.Errorf("record login success: %w", err)
	}

	principal, err := s.Principal(ctx, user.ID)
	if err != nil {
		obs.ObserveLogin("error")
		return LoginResult{}, fmt.Errorf("resolve permissions: %w", err)
	}
	token, claims, err := s.tokens.Issue(principal.User)
	if err != nil {
		obs.ObserveLogin("error")
		return LoginResult{}, err
	}
	principal.TokenID = claims.ID
	obs.ObserveLogin("success")
	s.record(ctx, "auth.login", map[string]any{"user_id": user.ID})
	return LoginResult{
		Principal: principal,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Authenticate validates a bearer token and returns the principal it belongs to.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	if s.tokens == nil {
		return Principal{}, ErrInvalidToken
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Principal{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Principal{}, ErrInvalidToken
		}
	}
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, err
	}
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if principal.User.Status != UserStatusActive {
		return Principal{}, ErrInvalidToken
	}
	principal.TokenID = claims.ID
	return principal, nil
}

// Logout revokes the token until its natural expiry.
func (s *Service) Logout(ctx context.Context, token string) error {
	if s.tokens == nil || s.revoker == nil {
		return nil
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return err
	}
	if err := s.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if id, err := claims.UserID(); err == nil {
		s.record(ctx, "auth.logout", map[string]any{"user_id": id})
	}
	return nil
}
