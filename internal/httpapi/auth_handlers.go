package httpapi

import (
	"errors"
	"net/http"
	"time"

	"corpsite.io/internal/audit"
	"corpsite.io/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type sessionResponse struct {
	AccessToken      string        `json:"accessToken"`
	AccessExpiresAt  time.Time     `json:"accessExpiresAt"`
	RefreshToken     string        `json:"refreshToken"`
	RefreshExpiresAt time.Time     `json:"refreshExpiresAt"`
	User             *auth.Profile `json:"user,omitempty"`
}

type meResponse struct {
	User            auth.Profile `json:"user"`
	RolePermissions []string     `json:"rolePermissions"`
}

type checkResponse struct {
	Allowed bool     `json:"allowed"`
	Missing []string `json:"missing,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error())
		return
	}

	sess, err := a.auth.Login(r.Context(), auth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		Device:   deviceInfo(r),
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
			"email":     req.Email,
			"reason":    string(auth.CodeOf(err)),
			"remote_ip": clientIP(r),
		})
		writeAuthError(w, r, err)
		return
	}

	ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{UserID: sess.User.ID, Role: sess.User.Role})
	_ = audit.LogEvent(ctx, audit.EventLoginSucceeded, map[string]any{
		"remote_ip": clientIP(r),
	})
	a.setSessionCookies(w, sess)
	writeData(w, r, http.StatusOK, newSessionResponse(sess))
}

// handleRefresh takes the refresh token from the body, falling back to the
// refresh_token cookie.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeValidation(w, r, err.Error())
		return
	}
	raw := req.RefreshToken
	if raw == "" {
		raw = cookieValue(r, refreshCookie)
	}

	sess, err := a.auth.Refresh(r.Context(), raw, deviceInfo(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrAccountDisabled) {
			a.clearSessionCookies(w)
		}
		writeAuthError(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	writeData(w, r, http.StatusOK, newSessionResponse(sess))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeValidation(w, r, err.Error())
		return
	}
	raw := req.RefreshToken
	if raw == "" {
		raw = cookieValue(r, refreshCookie)
	}
	access, _ := auth.TokenFromContext(r.Context())

	if err := a.auth.Logout(r.Context(), access, raw); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	a.clearSessionCookies(w)
	writeData(w, r, http.StatusOK, map[string]any{"loggedOut": true})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	access, _ := auth.TokenFromContext(r.Context())

	removed, err := a.auth.LogoutAll(r.Context(), id.UserID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	// the calling access token goes too; other devices keep theirs until expiry
	if err := a.auth.Logout(r.Context(), access, ""); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogoutAll, map[string]any{"sessions": removed})
	a.clearSessionCookies(w)
	writeData(w, r, http.StatusOK, map[string]any{"sessionsRevoked": removed})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	user, err := a.auth.User(r.Context(), id.UserID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, meResponse{
		User:            user.Profile(),
		RolePermissions: a.auth.Resolver().RolePermissions(user.Role),
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error())
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeValidation(w, r, "currentPassword and newPassword are required")
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())

	sess, err := a.auth.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword, deviceInfo(r))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPasswordChanged, nil)
	a.setSessionCookies(w, sess)
	writeData(w, r, http.StatusOK, newSessionResponse(sess))
}

// handleCheck answers whether the caller holds every ?perm= capability.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	perms := r.URL.Query()["perm"]
	if len(perms) == 0 {
		writeValidation(w, r, "at least one perm query parameter is required")
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	missing := a.auth.Resolver().Missing(id.Role, id.Permissions, perms...)
	writeData(w, r, http.StatusOK, checkResponse{Allowed: len(missing) == 0, Missing: missing})
}

func newSessionResponse(s auth.Session) sessionResponse {
	user := s.User
	return sessionResponse{
		AccessToken:      s.AccessToken,
		AccessExpiresAt:  s.AccessExpiresAt,
		RefreshToken:     s.RefreshToken,
		RefreshExpiresAt: s.RefreshExpiresAt,
		User:             &user,
	}
}

func deviceInfo(r *http.Request) auth.DeviceInfo {
	return auth.DeviceInfo{Device: r.UserAgent(), IP: clientIP(r)}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// The refresh cookie is scoped to the auth routes so it never rides along
// with ordinary API calls.
func (a *API) setSessionCookies(w http.ResponseWriter, s auth.Session) {
	http.SetCookie(w, a.cookie(accessCookie, s.AccessToken, "/", s.AccessExpiresAt))
	http.SetCookie(w, a.cookie(refreshCookie, s.RefreshToken, "/v1/auth", s.RefreshExpiresAt))
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for name, path := range map[string]string{accessCookie: "/", refreshCookie: "/v1/auth"} {
		c := a.cookie(name, "", path, time.Unix(0, 0))
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (a *API) cookie(name, value, path string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   a.cookies.Domain,
		Expires:  expires.UTC(),
		Secure:   a.cookies.Secure,
		HttpOnly: true,
		SameSite: a.cookies.SameSiteMode(),
	}
}
