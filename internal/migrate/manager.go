// Package migrate runs the schema files and catalog seeds that ship with the
// binary. Every file is applied in its own transaction together with the row
// that records it, so a failed file leaves no bookkeeping behind.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed sql/migrations/*.sql sql/seeds/*.sql
var embedded embed.FS

// ErrNothingApplied is returned by Down when no migration has been recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Embedded returns the schema and seed files compiled into the binary.
func Embedded() (migrations, seeds fs.FS) {
	migrations, _ = fs.Sub(embedded, "sql/migrations")
	seeds, _ = fs.Sub(embedded, "sql/seeds")
	return migrations, seeds
}

// fileSet is one directory of SQL files and the table that remembers which of
// them already ran.
type fileSet struct {
	kind   string
	fsys   fs.FS
	table  string
	suffix string
}

type Manager struct {
	db         *sqlx.DB
	migrations fileSet
	seeds      fileSet
}

// NewManager wires a runner over db. A nil filesystem means that set is empty.
func NewManager(db *sql.DB, migrations, seeds fs.FS) *Manager {
	return &Manager{
		db:         sqlx.NewDb(db, "pgx"),
		migrations: fileSet{kind: "migration", fsys: migrations, table: "schema_migrations", suffix: ".up.sql"},
		seeds:      fileSet{kind: "seed", fsys: seeds, table: "schema_seeds", suffix: ".sql"},
	}
}

// Up applies every migration not yet recorded, in file name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.migrations)
}

// Seed applies every seed file not yet recorded.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seeds)
}

// Status lists the applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.bootstrap(ctx); err != nil {
		return nil, err
	}
	var names []string
	err := m.db.SelectContext(ctx, &names,
		fmt.Sprintf(`select name from %s order by applied_at, name`, m.migrations.table))
	return names, err
}

// Down reverts the newest applied migration using its .down.sql twin.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.bootstrap(ctx); err != nil {
		return err
	}
	var last string
	err := m.db.GetContext(ctx, &last,
		fmt.Sprintf(`select name from %s order by applied_at desc, name desc limit 1`, m.migrations.table))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNothingApplied
	}
	if err != nil {
		return err
	}
	if m.migrations.fsys == nil {
		return fmt.Errorf("revert %s: no migration files configured", last)
	}
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	body, err := fs.ReadFile(m.migrations.fsys, down)
	if err != nil {
		return fmt.Errorf("revert %s: %w", last, err)
	}
	forget := fmt.Sprintf(`delete from %s where name = $1`, m.migrations.table)
	return m.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := execScript(ctx, tx, string(body)); err != nil {
			return fmt.Errorf("revert %s: %w", last, err)
		}
		_, err := tx.ExecContext(ctx, forget, last)
		return err
	})
}

func (m *Manager) applyPending(ctx context.Context, set fileSet) error {
	if err := m.bootstrap(ctx); err != nil {
		return err
	}
	files, err := listFiles(set.fsys, set.suffix)
	if err != nil {
		return err
	}
	var done []string
	if err := m.db.SelectContext(ctx, &done, fmt.Sprintf(`select name from %s`, set.table)); err != nil {
		return err
	}
	record := fmt.Sprintf(`insert into %s (name) values ($1)`, set.table)
	for _, name := range files {
		if slices.Contains(done, path.Base(name)) {
			continue
		}
		body, err := fs.ReadFile(set.fsys, name)
		if err != nil {
			return err
		}
		err = m.inTx(ctx, func(tx *sqlx.Tx) error {
			if err := execScript(ctx, tx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, record, path.Base(name))
			return err
		})
		if err != nil {
			return fmt.Errorf("%s %s: %w", set.kind, path.Base(name), err)
		}
	}
	return nil
}

func (m *Manager) bootstrap(ctx context.Context) error {
	for _, table := range []string{m.migrations.table, m.seeds.table} {
		_, err := m.db.ExecContext(ctx, fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table))
		if err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func execScript(ctx context.Context, tx *sqlx.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// listFiles returns the paths ending in suffix, sorted by base name.
func listFiles(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var out []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, suffix) {
			out = append(out, p)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b string) int { return strings.Compare(path.Base(a), path.Base(b)) })
	return out, nil
}

// splitStatements cuts a script at top-level semicolons. Quoted literals,
// dollar-quoted bodies and -- comments are copied through untouched. Blank
// statements are dropped.
func splitStatements(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote string
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case quote != "":
			if strings.HasPrefix(script[i:], quote) {
				cur.WriteString(quote)
				i += len(quote) - 1
				quote = ""
				continue
			}
		case c == '\'':
			quote = "'"
		case c == '$':
			if tag, ok := dollarTag(script[i:]); ok {
				cur.WriteString(tag)
				i += len(tag) - 1
				quote = tag
				continue
			}
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				i = len(script)
				continue
			}
			i += end - 1
			continue
		case c == ';':
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return out
}

// dollarTag matches $$ or $name$ at the start of s.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	tag := s[:end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", false
		}
	}
	return tag, true
}
