// Command smoke-auth drives a running API through login, refresh and logout
// and checks that a logged-out access token is refused.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"corpsite.io/internal/obs"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type client struct {
	base string
	http *http.Client
}

func main() {
	log := obs.Component("smoke")

	base := getenv("CORPSITE_SMOKE_URL", "http://localhost:8080")
	email := os.Getenv("CORPSITE_SMOKE_EMAIL")
	password := os.Getenv("CORPSITE_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("CORPSITE_SMOKE_EMAIL and CORPSITE_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	var first session
	if status, err := c.call(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": password}, &first); err != nil || status != http.StatusOK {
		log.Fatalf("login: status=%d err=%v", status, err)
	}
	if status, err := c.call(ctx, http.MethodGet, "/v1/auth/me", first.AccessToken, nil, nil); err != nil || status != http.StatusOK {
		log.Fatalf("me: status=%d err=%v", status, err)
	}

	var second session
	if status, err := c.call(ctx, http.MethodPost, "/v1/auth/refresh-token", "", map[string]string{"refreshToken": first.RefreshToken}, &second); err != nil || status != http.StatusOK {
		log.Fatalf("refresh: status=%d err=%v", status, err)
	}
	if status, _ := c.call(ctx, http.MethodPost, "/v1/auth/refresh-token", "", map[string]string{"refreshToken": first.RefreshToken}, nil); status != http.StatusUnauthorized {
		log.Fatalf("reused refresh token accepted: status=%d", status)
	}

	if status, err := c.call(ctx, http.MethodPost, "/v1/auth/logout", second.AccessToken, map[string]string{"refreshToken": second.RefreshToken}, nil); err != nil || status != http.StatusOK {
		log.Fatalf("logout: status=%d err=%v", status, err)
	}
	if status, _ := c.call(ctx, http.MethodGet, "/v1/auth/me", second.AccessToken, nil, nil); status != http.StatusUnauthorized {
		log.Fatalf("revoked access token accepted: status=%d", status)
	}

	fmt.Printf("auth smoke test passed against %s\n", base)
}

// call sends body as JSON and decodes the envelope data into out. Non-2xx
// responses are returned as a status with a nil error.
func (c *client) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &payload)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Error != nil {
			obs.Component("smoke").WithField("code", env.Error.Code).Debug(env.Error.Message)
		}
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
