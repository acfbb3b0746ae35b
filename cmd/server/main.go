package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/useraccounts/backend/internal/api"
	"github.com/useraccounts/backend/internal/auth"
	"github.com/useraccounts/backend/internal/config"
	"github.com/useraccounts/backend/internal/db"
	"github.com/useraccounts/backend/internal/health"
	"github.com/useraccounts/backend/internal/logger"
	"github.com/useraccounts/backend/internal/metrics"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		logger.Error(context.Background(), "server exited", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&logger.Config{Level: logger.ParseLevel(cfg.LogLevel), Component: "server"})
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GeneratedSecrets {
		log.Warn(ctx, "token secrets not configured, using random per-process secrets; sessions will not survive a restart")
	}

	store, probes, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(context.Background(), "close store failed", err)
		}
	}()

	m := metrics.New()

	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenExpiry,
		RefreshTTL:    cfg.RefreshTokenExpiry,
	})
	svc := auth.NewService(store, newHasher(cfg), tokens, auth.Options{
		Logger:                 log,
		Events:                 m,
		RevokeOnPasswordChange: cfg.RevokeOnPasswordChange,
	})

	checker := health.NewChecker(&health.CheckerConfig{Probes: probes, Version: version})
	router := api.NewRouter(
		auth.NewHandlers(svc, auth.CookieConfig{Secure: cfg.CookieSecure}),
		svc,
		health.NewHandler(checker),
		m.Handler(),
	)

	handler := api.WithMiddleware(router, log, m, cfg.CORSAllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", map[string]interface{}{
			"addr":    cfg.ServerAddr,
			"store":   cfg.StoreBackend,
			"hasher":  cfg.PasswordHasher,
			"version": version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down", map[string]interface{}{"timeout": cfg.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// openStore connects the configured credential store and returns the readiness probes
// that go with it.
func openStore(ctx context.Context, cfg *config.Config) (db.Store, map[string]health.Probe, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		conn, err := db.Open(ctx, cfg.DBDriver, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return db.NewPostgresStore(conn), map[string]health.Probe{"database": health.SQLProbe(conn)}, nil

	case config.StoreBackendRedis:
		client, err := db.OpenRedis(ctx, db.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return db.NewRedisStore(client, ""), map[string]health.Probe{"redis": health.RedisProbe(client)}, nil

	default:
		store := db.NewMemoryStore()
		return store, map[string]health.Probe{"store": store.Ping}, nil
	}
}

func newHasher(cfg *config.Config) auth.PasswordHasher {
	if cfg.PasswordHasher == config.HasherArgon2id {
		return auth.NewArgon2Hasher(auth.Argon2Params{
			Time:     cfg.Argon2Time,
			MemoryKB: cfg.Argon2MemoryKB,
			Threads:  cfg.Argon2Threads,
		})
	}
	return auth.NewBcryptHasher(cfg.BcryptCost)
}
