package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"sitecms.org/internal/auth"
)

// UserGrants returns the permissions granted to the user through the
// permission-id column.
func (s *Store) UserGrants(ctx context.Context, userID int64) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	perms := []auth.Permission{}
	if err := s.db.SelectContext(ctx, &perms, `
		select p.id, p.name, p.display_name, p.category, coalesce(p.description, '') as description
		from user_permissions up
		join permissions p on p.id = up.permission_id
		where up.user_id = $1 and up.granted
		order by p.category, p.id
	`, userID); err != nil {
		return nil, err
	}
	return perms, nil
}

type legacyRow struct {
	Name        string         `db:"name"`
	ID          sql.NullInt64  `db:"permission_id"`
	CatalogName sql.NullString `db:"catalog_name"`
	DisplayName sql.NullString `db:"display_name"`
	Category    sql.NullString `db:"category"`
	Description sql.NullString `db:"description"`
}

// LegacyUserGrants returns grant rows that only carry a permission name,
// joined to the catalog by name. Unmatched rows come back with Matched nil.
func (s *Store) LegacyUserGrants(ctx context.Context, userID int64) ([]auth.LegacyGrant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var rows []legacyRow
	if err := s.db.SelectContext(ctx, &rows, `
		select up.permission as name, p.id as permission_id, p.name as catalog_name,
			p.display_name, p.category, p.description
		from user_permissions up
		left join permissions p on p.name = up.permission
		where up.user_id = $1 and up.granted
			and up.permission_id is null and up.permission is not null
		order by up.permission
	`, userID); err != nil {
		return nil, err
	}
	out := make([]auth.LegacyGrant, 0, len(rows))
	for _, r := range rows {
		g := auth.LegacyGrant{Name: r.Name}
		if r.ID.Valid {
			g.Matched = &auth.Permission{
				ID:          r.ID.Int64,
				Name:        r.CatalogName.String,
				DisplayName: r.DisplayName.String,
				Category:    r.Category.String,
				Description: r.Description.String,
			}
		}
		out = append(out, g)
	}
	return out, nil
}

type grantTx struct {
	tx *sqlx.Tx
}

var _ auth.GrantTx = (*grantTx)(nil)

// UserByID locks the user row for the rest of the transaction so concurrent
// grant replacements for the same user serialize.
func (t *grantTx) UserByID(ctx context.Context, id int64) (auth.User, error) {
	var user auth.User
	err := t.tx.GetContext(ctx, &user, `select `+userColumns+` from users where id = $1 for update`, id)
	if err != nil {
		return auth.User{}, notFound(err)
	}
	return user, nil
}

func (t *grantTx) RoleByID(ctx context.Context, id int64) (auth.Role, error) {
	return roleByID(ctx, t.tx, id)
}

func (t *grantTx) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	ids := []int64{}
	if err := t.tx.SelectContext(ctx, &ids, `
		select permission_id from role_permissions where role_id = $1 order by permission_id
	`, roleID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *grantTx) PermissionIDsByName(ctx context.Context, names []string) (map[string]int64, error) {
	return permissionIDsByName(ctx, t.tx, names)
}

func (t *grantTx) SetUserRole(ctx context.Context, userID int64, role auth.Role) error {
	res, err := t.tx.ExecContext(ctx, `
		update users set role_id = $2, role = $3, updated_at = now() where id = $1
	`, userID, role.ID, role.Name)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (t *grantTx) ClearUserGrants(ctx context.Context, userID int64) error {
	_, err := t.tx.ExecContext(ctx, `delete from user_permissions where user_id = $1`, userID)
	return err
}

// InsertUserGrant writes both the id and the name column so older readers of
// the name column keep working. Duplicate pairs are skipped.
func (t *grantTx) InsertUserGrant(ctx context.Context, userID, permissionID int64, grantedBy *int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		insert into user_permissions (user_id, permission_id, permission, granted, granted_by, granted_at)
		select $1, p.id, p.name, true, $3, now()
		from permissions p
		where p.id = $2
		on conflict do nothing
	`, userID, permissionID, grantedBy)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return false, fmt.Errorf("%w: grant references missing row", auth.ErrInvalidInput)
		}
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

// RefreshPermissionCache recomputes users.permissions_json from the grant table.
// The column is a display projection and is never read for authorization.
func (t *grantTx) RefreshPermissionCache(ctx context.Context, userID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		update users
		set permissions_json = coalesce((
			select json_agg(p.name order by p.category, p.id)
			from user_permissions up
			join permissions p on p.id = up.permission_id
			where up.user_id = $1 and up.granted
		), '[]'::json),
		updated_at = now()
		where id = $1
	`, userID)
	return err
}
