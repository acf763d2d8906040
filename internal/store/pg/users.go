package pg

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"sitecms.org/internal/auth"
)

const userColumns = `id, username, email, password_hash, role, role_id, status,
	email_verified, failed_login_attempts, locked_until, created_at, updated_at`

func (s *Store) UserByID(ctx context.Context, id int64) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return userByID(ctx, s.db, id)
}

func userByID(ctx context.Context, q sqlx.QueryerContext, id int64) (auth.User, error) {
	var user auth.User
	err := sqlx.GetContext(ctx, q, &user, `select `+userColumns+` from users where id = $1`, id)
	if err != nil {
		return auth.User{}, notFound(err)
	}
	return user, nil
}

// UserByLogin matches either the username or the email, case-insensitively.
func (s *Store) UserByLogin(ctx context.Context, login string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var user auth.User
	err := s.db.GetContext(ctx, &user, `
		select `+userColumns+`
		from users
		where lower(username) = lower($1) or lower(email) = lower($1)
		order by id
		limit 1
	`, login)
	if err != nil {
		return auth.User{}, notFound(err)
	}
	return user, nil
}

// RecordLoginFailure bumps the counter and sets the lock in a single update, so
// concurrent failures are serialised by the row lock instead of overwriting
// each other.
func (s *Store) RecordLoginFailure(ctx context.Context, userID int64, now time.Time, maxAttempts int, lockout time.Duration) (auth.LoginFailures, error) {
	if s.db == nil {
		return auth.LoginFailures{}, errNoDB
	}
	var state auth.LoginFailures
	err := s.db.GetContext(ctx, &state, `
		update users
		set failed_login_attempts = case when locked_until <= $2 then 1 else failed_login_attempts + 1 end,
			locked_until = case
				when locked_until > $2 then locked_until
				when (case when locked_until <= $2 then 1 else failed_login_attempts + 1 end) >= $3 then $4::timestamptz
				else null
			end,
			updated_at = now()
		where id = $1
		returning failed_login_attempts, locked_until
	`, userID, now, maxAttempts, now.Add(lockout))
	if err != nil {
		return auth.LoginFailures{}, notFound(err)
	}
	return state, nil
}

func (s *Store) RecordLoginSuccess(ctx context.Context, userID int64, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked_until = null, updated_at = now()
		where id = $1 and (locked_until is null or locked_until <= $2)
	`, userID, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrAccountLocked
	}
	return nil
}

// CreateUser inserts a credential row. It backs the seed tooling; the HTTP
// surface does not create users.
func (s *Store) CreateUser(ctx context.Context, user auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if user.Status == "" {
		user.Status = auth.UserStatusActive
	}
	if user.Role == "" {
		user.Role = "user"
	}
	var created auth.User
	err := s.db.GetContext(ctx, &created, `
		insert into users (username, email, password_hash, role, role_id, status, email_verified)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+userColumns, user.Username, user.Email, user.PasswordHash, user.Role, user.RoleID, user.Status, user.EmailVerified)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.User{}, auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.User{}, auth.ErrInvalidInput
			}
		}
		return auth.User{}, err
	}
	return created, nil
}
