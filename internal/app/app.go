// Package app assembles the auth service from configuration. Both binaries
// use it so the API server and the admin CLI see the same stores.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"corpsite.io/internal/auth"
	"corpsite.io/internal/config"
	"corpsite.io/internal/httpapi"
	"corpsite.io/internal/obs"
	"corpsite.io/internal/store/memory"
	"corpsite.io/internal/store/pg"
	"corpsite.io/internal/store/redisstore"
	"corpsite.io/internal/sweep"
)

// App holds the wired service and the resources it owns.
type App struct {
	Config  config.Config
	Service *auth.Service
	Sweeper *sweep.Sweeper
	Ready   httpapi.ReadyCheck

	// DB is nil when the service runs on in-memory stores.
	DB *sql.DB

	closers []func() error
	log     *logrus.Entry
}

// New opens the configured backends and builds the session service. Postgres
// is used when a DSN is set and Redis when a URL is set; otherwise the
// corresponding in-memory store is used.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, log: obs.Component("app")}

	var (
		users   auth.CredentialStore
		refresh auth.RefreshTokenStore
		revoked auth.RevocationRegistry
		targets []sweep.Target
	)

	if cfg.Postgres.DSN != "" {
		pool := pg.DefaultPoolConfig()
		if cfg.Postgres.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Postgres.MaxOpenConns
		}
		if cfg.Postgres.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.Postgres.MaxIdleConns
		}
		if cfg.Postgres.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Postgres.ConnMaxLifetime
		}
		store, err := pg.Open(cfg.Postgres.DSN, pool)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.DB = store.DB()
		a.Ready.DB = store.DB()
		users, refresh = store, store
		targets = append(targets, sweep.Target{Name: "refresh_tokens", Purger: store})
		a.log.Info("using postgres credential store")
	} else {
		mem := memory.NewRefreshTokens()
		users, refresh = memory.NewUsers(), mem
		targets = append(targets, sweep.Target{Name: "refresh_tokens", Purger: mem})
		a.log.Warn("no postgres DSN configured, users and refresh tokens are kept in memory")
	}

	if cfg.Redis.URL != "" {
		reg, err := redisstore.Open(ctx, redisstore.Options{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, reg.Close)
		a.Ready.Revocations = reg
		revoked = reg
	} else {
		mem := memory.NewRevocations(nil)
		revoked = mem
		targets = append(targets, sweep.Target{Name: "revocations", Purger: mem})
	}

	codec, err := auth.NewTokenCodec([]byte(cfg.Auth.JWTSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Service, err = auth.NewService(auth.Deps{
		Users:         users,
		RefreshTokens: refresh,
		Revocations:   revoked,
		Codec:         codec,
	},
		auth.WithHasher(auth.NewBcryptHasher(cfg.Auth.BcryptCost)),
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			MaxAttempts:  cfg.Auth.MaxLoginAttempts,
			LockDuration: cfg.Auth.LockDuration,
		}),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithStoreTimeout(cfg.Auth.StoreTimeout),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Sweeper = sweep.New(targets...)
	return a, nil
}

// API builds the HTTP layer over the service.
func (a *App) API(version string) *httpapi.API {
	return httpapi.New(a.Service, httpapi.Options{
		Version:     version,
		Ready:       a.Ready,
		Cookies:     a.Config.Cookies,
		RateLimit:   a.Config.RateLimit,
		CORSOrigins: a.Config.CORS.AllowedOrigins,
		TrustProxy:  a.Config.Server.TrustProxy,
	})
}

// Close releases every backend opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
