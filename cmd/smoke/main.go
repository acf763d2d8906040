package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"sitecms.org/internal/client"
	"sitecms.org/internal/gate"
	"sitecms.org/internal/obs"
)

// smoke logs in against a running API and checks that the client-side gate
// agrees with what the server resolved for the same user.
func main() {
	log := obs.Logger()
	baseURL := envOr("SITECMS_SMOKE_URL", "http://localhost:8080")
	grpcAddr := envOr("SITECMS_SMOKE_GRPC_ADDR", "localhost:9090")
	login := os.Getenv("SITECMS_SMOKE_LOGIN")
	password := os.Getenv("SITECMS_SMOKE_PASSWORD")
	if login == "" || password == "" {
		log.Fatal().Msg("SITECMS_SMOKE_LOGIN and SITECMS_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.WaitReady(ctx, grpcAddr, obs.ServiceName); err != nil {
		log.Fatal().Err(err).Msg("api not ready")
	}

	c := client.New(baseURL, nil)
	session, err := c.Login(ctx, login, password)
	if err != nil {
		log.Fatal().Err(err).Msg("login")
	}
	for _, p := range session.User.Permissions {
		if !c.Can(p.Name) {
			log.Fatal().Str("permission", p.Name).Msg("gate rejects a permission the server granted")
		}
	}
	for _, m := range session.User.Modules {
		if !c.CanOpen(m) {
			log.Fatal().Str("module", m).Msg("gate rejects a module the server granted")
		}
	}

	remote, err := c.Navigation(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("navigation")
	}
	local := gate.New(session.Aliases.AliasSet()).FilterNavigation(session.User, gate.DefaultNavigation())
	if !reflect.DeepEqual(remote, local) {
		log.Fatal().Interface("server", remote).Interface("client", local).Msg("navigation mismatch")
	}

	if err := c.Logout(ctx); err != nil {
		log.Fatal().Err(err).Msg("logout")
	}
	fmt.Printf("smoke test passed: user=%s permissions=%d modules=%v\n",
		session.User.Username, len(session.User.Permissions), session.User.Modules)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
