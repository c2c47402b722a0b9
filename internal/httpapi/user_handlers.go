package httpapi

import (
	"net/http"
	"strings"

	"corpsite.io/internal/audit"
	"corpsite.io/internal/auth"
)

type createUserRequest struct {
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	Password      string   `json:"password"`
	Role          string   `json:"role"`
	Permissions   []string `json:"permissions"`
	Active        *bool    `json:"active"`
	EmailVerified bool     `json:"emailVerified"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error())
		return
	}

	role := auth.Role(strings.TrimSpace(req.Role))
	caller, _ := auth.IdentityFromContext(r.Context())
	if err := a.auth.CheckDelegation(caller, role, req.Permissions); err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventAccessDenied, map[string]any{
			"path":        r.URL.Path,
			"target_role": string(role),
			"grants":      req.Permissions,
		})
		writeAuthError(w, r, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	user, err := a.auth.Register(r.Context(), auth.NewUser{
		Email:         req.Email,
		Name:          req.Name,
		Password:      req.Password,
		Role:          role,
		Permissions:   req.Permissions,
		Active:        active,
		EmailVerified: req.EmailVerified,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserCreated, map[string]any{
		"target_user_id": user.ID,
		"target_role":    string(user.Role),
	})
	writeData(w, r, http.StatusCreated, user.Profile())
}

func (a *API) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeValidation(w, r, "user id is required")
		return
	}
	if err := a.auth.Unlock(r.Context(), id); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserUnlocked, map[string]any{"target_user_id": id})
	writeData(w, r, http.StatusOK, map[string]any{"id": id, "unlocked": true})
}

func (a *API) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		id := strings.TrimSpace(r.PathValue("id"))
		if id == "" {
			writeValidation(w, r, "user id is required")
			return
		}
		if caller, _ := auth.UserIDFromContext(r.Context()); caller == id && !active {
			writeValidation(w, r, "cannot disable your own account")
			return
		}
		if err := a.auth.SetActive(r.Context(), id, active); err != nil {
			writeAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventUserStatusChanged, map[string]any{
			"target_user_id": id,
			"active":         active,
		})
		writeData(w, r, http.StatusOK, map[string]any{"id": id, "active": active})
	}
}
