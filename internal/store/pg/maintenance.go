package pg

import "context"

// DanglingGrant is a legacy grant row whose permission name has no catalog entry.
type DanglingGrant struct {
	UserID     int64  `db:"user_id"`
	Permission string `db:"permission"`
}

// BackfillLegacyGrants copies the catalog id onto name-only grant rows. Rows
// that would duplicate an existing id-based grant are removed instead. It
// returns how many rows were converted.
func (s *Store) BackfillLegacyGrants(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from user_permissions up
		using permissions p
		where up.permission_id is null and up.permission = p.name
			and exists (
				select 1 from user_permissions d
				where d.user_id = up.user_id and d.permission_id = p.id
			)
	`); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		update user_permissions up
		set permission_id = p.id
		from permissions p
		where up.permission_id is null and up.permission = p.name
	`)
	if err != nil {
		return 0, err
	}
	converted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return converted, nil
}

// DanglingLegacyGrants lists name-only grant rows the resolver will ignore.
func (s *Store) DanglingLegacyGrants(ctx context.Context) ([]DanglingGrant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	out := []DanglingGrant{}
	if err := s.db.SelectContext(ctx, &out, `
		select up.user_id, up.permission
		from user_permissions up
		left join permissions p on p.name = up.permission
		where up.permission_id is null and p.id is null
		order by up.user_id, up.permission
	`); err != nil {
		return nil, err
	}
	return out, nil
}
