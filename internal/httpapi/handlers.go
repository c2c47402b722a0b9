package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"corpsite.io/internal/auth"
	"corpsite.io/internal/config"
	"corpsite.io/internal/obs"
)

// Pinger is implemented by backing services that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck checks the database and the shared revocation registry.
type ReadyCheck struct {
	DB          *sql.DB
	Revocations Pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	var errs []error
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rp.Revocations != nil {
		if err := rp.Revocations.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options configures the HTTP layer.
type Options struct {
	Version     string
	Ready       ReadyCheck
	Cookies     config.CookieConfig
	RateLimit   config.RateLimitConfig
	CORSOrigins []string
	// TrustProxy honours X-Forwarded-For for rate limiting and audit fields.
	TrustProxy bool
}

// API is the HTTP surface of the auth service.
type API struct {
	mux         *http.ServeMux
	auth        *auth.Service
	readyCheck  ReadyCheck
	version     string
	cookies     config.CookieConfig
	corsOrigins []string
	trustProxy  bool
}

func New(svc *auth.Service, opts Options) *API {
	a := &API{
		mux:         http.NewServeMux(),
		auth:        svc,
		readyCheck:  opts.Ready,
		version:     opts.Version,
		cookies:     opts.Cookies,
		corsOrigins: opts.CORSOrigins,
		trustProxy:  opts.TrustProxy,
	}

	burst, perSec := opts.RateLimit.Burst, opts.RateLimit.PerSecond
	if burst <= 0 {
		burst = 10
	}
	if perSec <= 0 {
		perSec = 1
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/v1/info", a.optionalAuth(http.HandlerFunc(a.Info)))
	a.mux.Handle("/metrics", obs.Handler())

	// session endpoints; credential-bearing ones are throttled per client IP
	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), burst, perSec))
	a.mux.Handle("/v1/auth/refresh-token", RateLimit(http.HandlerFunc(a.handleRefresh), burst, perSec))
	a.mux.Handle("/v1/auth/logout", a.withAuth(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("/v1/auth/logout-all", a.withAuth(http.HandlerFunc(a.handleLogoutAll)))
	a.mux.Handle("/v1/auth/me", a.withAuth(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/v1/auth/change-password", a.withAuth(http.HandlerFunc(a.handleChangePassword)))
	a.mux.Handle("/v1/auth/check", a.withAuth(http.HandlerFunc(a.handleCheck)))

	// user administration
	a.mux.Handle("/v1/users", a.withAuth(a.requirePermissions(http.HandlerFunc(a.handleCreateUser), auth.PermUsersCreate)))
	a.mux.Handle("/v1/users/{id}/unlock", a.withAuth(a.requirePermissions(http.HandlerFunc(a.handleUnlockUser), auth.PermUsersUpdate)))
	a.mux.Handle("/v1/users/{id}/disable", a.withAuth(a.requirePermissions(a.handleSetActive(false), auth.PermUsersUpdate)))
	a.mux.Handle("/v1/users/{id}/enable", a.withAuth(a.requirePermissions(a.handleSetActive(true), auth.PermUsersUpdate)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, string(auth.CodeNotFound), "route not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientIP(h, a.trustProxy)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "corpsite-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyCheck.Check(r.Context()); err != nil {
		obs.Component("httpapi").WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "corpsite-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		info["user_id"] = id.UserID
		info["role"] = id.Role
	}
	writeData(w, r, http.StatusOK, info)
}
