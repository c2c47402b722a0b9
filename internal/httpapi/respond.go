package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"corpsite.io/internal/auth"
)

// Transport-only codes. Everything else comes from auth.Code.
const (
	codeRateLimited      = "RATE_LIMITED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

var errEmptyBody = errors.New("request body is required")

type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor is the single place where error codes become HTTP statuses.
func statusFor(code string) int {
	switch auth.Code(code) {
	case auth.CodeValidation:
		return http.StatusBadRequest
	case auth.CodeUnauthorized, auth.CodeInvalidCredentials, auth.CodeAccountLocked,
		auth.CodeTokenExpired, auth.CodeInvalidToken, auth.CodeAccountDisabled:
		return http.StatusUnauthorized
	case auth.CodeInsufficientPermissions:
		return http.StatusForbidden
	case auth.CodeNotFound:
		return http.StatusNotFound
	case auth.CodeConflict:
		return http.StatusConflict
	}
	switch code {
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, code, msg string) {
	writeJSON(w, statusFor(code), envelope{
		Error:     &errorBody{Code: code, Message: msg},
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeAuthError renders err with its auth code. Anything outside the auth
// error set is reported as an internal error without detail.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var e *auth.Error
	if !errors.As(err, &e) {
		e = auth.ErrInternal
	}
	writeError(w, r, string(e.Code), e.Message)
}

func writeValidation(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, string(auth.CodeValidation), msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, codeMethodNotAllowed, "method not allowed")
}
