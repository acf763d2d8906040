package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"sitecms.org/internal/auth"
	"sitecms.org/internal/jobs"
	"sitecms.org/internal/migrate"
	"sitecms.org/internal/obs"
	"sitecms.org/internal/store/pg"
)

const usage = "usage: migrate [flags] up|down|seed|status|backfill|check-grants|create-user"

func main() {
	_ = godotenv.Load()
	log := obs.Logger()

	var (
		dsn            = flag.String("dsn", os.Getenv("SITECMS_POSTGRES_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "directory of SQL seeds (default: embedded)")
		timeout        = flag.Duration("timeout", 60*time.Second, "overall timeout")

		username = flag.String("username", "", "create-user: username")
		email    = flag.String("email", "", "create-user: email")
		password = flag.String("password", os.Getenv("SITECMS_BOOTSTRAP_PASSWORD"), "create-user: password")
		roleName = flag.String("role", "admin", "create-user: role name")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or SITECMS_POSTGRES_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal().Msg(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer store.Close()

	migrations, seeds := migrate.Embedded()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrations, seeds)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	case "backfill":
		var n int64
		n, err = store.BackfillLegacyGrants(ctx)
		if err == nil {
			log.Info().Int64("converted", n).Msg("legacy grants backfilled")
		}
	case "check-grants":
		var dangling []pg.DanglingGrant
		dangling, err = jobs.CheckGrants(ctx, store, *log)
		if err == nil && len(dangling) > 0 {
			err = fmt.Errorf("%d grants reference permissions missing from the catalog", len(dangling))
		}
	case "create-user":
		err = createUser(ctx, store, *log, *username, *email, *password, *roleName)
	default:
		log.Fatal().Str("command", cmd).Msg(usage)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
	log.Info().Str("command", cmd).Msg("done")
}

// createUser provisions an account and copies its role's permissions onto it.
func createUser(ctx context.Context, store *pg.Store, log zerolog.Logger, username, email, password, roleName string) error {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(email) == "" || password == "" {
		return errors.New("create-user needs -username, -email and -password")
	}
	svc, err := auth.NewService(store, auth.WithLogger(&log))
	if err != nil {
		return err
	}
	if err := svc.EnsureBuiltins(ctx); err != nil {
		return err
	}
	role, err := findRole(ctx, svc, roleName)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user, err := store.CreateUser(ctx, auth.User{
		Username:      strings.TrimSpace(username),
		Email:         strings.ToLower(strings.TrimSpace(email)),
		PasswordHash:  hash,
		Role:          role.Name,
		RoleID:        &role.ID,
		EmailVerified: true,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	user.RoleRef = &role

	granted, err := svc.AssignRolePermissionsToUser(ctx, user.ID, role.ID, 0)
	switch {
	case errors.Is(err, auth.ErrRoleHasNoPermissions) && svc.IsSuperAdmin(user):
		granted, err = 0, nil
	case errors.Is(err, auth.ErrRoleHasNoPermissions):
		log.Warn().Str("role", role.Name).Msg("role has no mapped permissions, granting the default dashboard permission")
		granted, err = svc.SetUserPermissions(ctx, user.ID, []string{auth.PermDashboardView}, 0)
	}
	if err != nil {
		return fmt.Errorf("grant permissions: %w", err)
	}
	log.Info().Int64("user_id", user.ID).Str("role", role.Name).Int("granted", granted).Msg("user created")
	return nil
}

func findRole(ctx context.Context, svc *auth.Service, name string) (auth.Role, error) {
	roles, err := svc.ListRoles(ctx)
	if err != nil {
		return auth.Role{}, err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range roles {
		if r.Name == name || r.Slug == name {
			return r, nil
		}
	}
	return auth.Role{}, fmt.Errorf("%w: role %q", auth.ErrNotFound, name)
}
