package auth

import "time"

// Role is one of the fixed roles a user can hold.
type Role string

const (
	RoleSuperAdmin Role = "super-admin"
	RoleAdmin      Role = "admin"
	RoleEditor     Role = "editor"
	RoleAuthor     Role = "author"
	RoleViewer     Role = "viewer"
)

// Roles lists every role from the most to the least privileged.
var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleEditor, RoleAuthor, RoleViewer}

// Valid reports whether r belongs to the fixed enumeration.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// User is the identity record held by the credential store.
type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	Name              string     `json:"name,omitempty"`
	PasswordHash      string     `json:"-"`
	Role              Role       `json:"role"`
	Permissions       []string   `json:"permissions,omitempty"`
	Active            bool       `json:"active"`
	EmailVerified     bool       `json:"email_verified"`
	LoginAttempts     int        `json:"-"`
	LockUntil         *time.Time `json:"-"`
	PasswordChangedAt *time.Time `json:"-"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LockState returns the lockout view of the user.
func (u *User) LockState() LockState {
	return LockState{Attempts: u.LoginAttempts, LockUntil: u.LockUntil}
}

// Profile is the sanitized representation of a user returned to clients.
type Profile struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name,omitempty"`
	Role          Role       `json:"role"`
	Permissions   []string   `json:"permissions,omitempty"`
	Active        bool       `json:"active"`
	EmailVerified bool       `json:"email_verified"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Profile strips credentials and lockout counters.
func (u *User) Profile() Profile {
	var perms []string
	if len(u.Permissions) > 0 {
		perms = append(perms, u.Permissions...)
	}
	return Profile{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		Permissions:   perms,
		Active:        u.Active,
		EmailVerified: u.EmailVerified,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// DeviceInfo describes where a refresh token was issued.
type DeviceInfo struct {
	Device string
	IP     string
}

// RefreshToken is a persisted refresh token. Only the hash of the opaque value
// is ever stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Device    string
	IP        string
	CreatedAt time.Time
}

// Expired reports whether the token can no longer be exchanged at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// NewUser carries the input of user provisioning.
type NewUser struct {
	Email         string
	Name          string
	Password      string
	Role          Role
	Permissions   []string
	Active        bool
	EmailVerified bool
}

// Session is what a successful login or refresh hands back to the client.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             Profile
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID      string
	Email       string
	Role        Role
	Permissions []string
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}
