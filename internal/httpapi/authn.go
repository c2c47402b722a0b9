package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"corpsite.io/internal/audit"
	"corpsite.io/internal/auth"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer"
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
)

var (
	errNoToken       = errors.New("no access token")
	errInvalidScheme = errors.New("invalid authorization scheme")
)

// withAuth rejects requests that do not carry a valid access token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return a.authenticate(next, true)
}

// optionalAuth lets anonymous requests through but still rejects a token
// that is present and invalid.
func (a *API) optionalAuth(next http.Handler) http.Handler {
	return a.authenticate(next, false)
}

func (a *API) authenticate(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractToken(r)
		switch {
		case errors.Is(err, errNoToken) && !required:
			next.ServeHTTP(w, r)
			return
		case errors.Is(err, errNoToken):
			writeAuthError(w, r, auth.ErrUnauthorized)
			return
		case err != nil:
			writeError(w, r, string(auth.CodeUnauthorized), err.Error())
			return
		}

		id, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermissions must run behind withAuth.
func (a *API) requirePermissions(next http.Handler, required ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeAuthError(w, r, auth.ErrUnauthorized)
			return
		}
		if err := a.auth.Authorize(id, required...); err != nil {
			_ = audit.LogEvent(r.Context(), audit.EventAccessDenied, map[string]any{
				"path":     r.URL.Path,
				"required": required,
			})
			writeAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken prefers the access_token cookie over the Authorization header.
func extractToken(r *http.Request) (string, error) {
	if c, err := r.Cookie(accessCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v, nil
		}
	}
	return extractBearerToken(r.Header.Get(authHeader))
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoToken
	}
	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, bearer) {
		return "", errInvalidScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNoToken
	}
	return token, nil
}
