package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"corpsite.io/internal/auth"
	"corpsite.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Security events recorded by the auth endpoints.
const (
	EventLoginSucceeded    = "auth.login.succeeded"
	EventLoginFailed       = "auth.login.failed"
	EventLogout            = "auth.logout"
	EventLogoutAll         = "auth.logout_all"
	EventPasswordChanged   = "auth.password.changed"
	EventUserCreated       = "auth.user.created"
	EventUserUnlocked      = "auth.user.unlocked"
	EventUserStatusChanged = "auth.user.status_changed"
	EventAccessDenied      = "auth.access.denied"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
// Callers must not pass passwords or raw tokens in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry["user_id"] = id.UserID
		entry["role"] = string(id.Role)
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info(event)
	return nil
}
