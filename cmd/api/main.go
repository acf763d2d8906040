package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"sitecms.org/internal/audit"
	"sitecms.org/internal/auth"
	"sitecms.org/internal/config"
	"sitecms.org/internal/httpapi"
	"sitecms.org/internal/jobs"
	"sitecms.org/internal/obs"
	"sitecms.org/internal/session"
	"sitecms.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.Configure(cfg.Environment)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("sitecms-api stopped with error")
	}
}

func run(cfg *config.AppConfig, log *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(cfg.Postgres.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Postgres.MaxOpen,
		MaxIdleConns:    cfg.Postgres.MaxIdle,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	auditOpts := []audit.Option{audit.WithLogger(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		auditOpts = append(auditOpts, audit.WithSink(sink))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.AuditTopic).Msg("audit events published to kafka")
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	svcOpts := []auth.ServiceOption{
		auth.WithAdminAliases(auth.NewAliasSet(cfg.Auth.AdminAliasesVersion, cfg.Auth.AdminAliases...)),
		auth.WithRoleInheritance(cfg.Auth.InheritRole),
		auth.WithTokenIssuer(tokens),
		auth.WithLockoutPolicy(cfg.Auth.MaxFailedLogins, cfg.Auth.Lockout),
		auth.WithEventRecorder(audit.New(auditOpts...)),
		auth.WithLogger(log),
	}
	if cfg.Redis.Addr != "" {
		client, err := session.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		svcOpts = append(svcOpts, auth.WithRevoker(session.NewRevoker(client, cfg.Redis.Prefix)))
	} else {
		log.Warn().Msg("redis not configured, logout cannot revoke tokens")
	}

	svc, err := auth.NewService(store, svcOpts...)
	if err != nil {
		return err
	}
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = svc.EnsureBuiltins(bootCtx)
	cancel()
	if err != nil {
		return err
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{DB: store.DB()}
	api := httpapi.New(probe, version, svc,
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
		httpapi.WithTrustedProxies(proxies...),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithLoginRateLimit(cfg.HTTP.LoginRPS, cfg.HTTP.LoginBurst),
		httpapi.WithLogger(log),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	health := httpapi.NewHealthServer(probe, log.With().Str("component", "grpc").Logger())
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	go health.Run(ctx, 10*time.Second)

	scheduler := jobs.NewScheduler(store, cfg.Jobs.GrantCheckSchedule, log.With().Str("component", "jobs").Logger())
	if err := scheduler.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc health server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("stopped")
	return runErr
}
