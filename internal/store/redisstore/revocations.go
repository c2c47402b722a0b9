// Package redisstore keeps the access token revocation registry in Redis so
// every API replica sees a logout.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"corpsite.io/internal/auth"
)

const defaultPrefix = "corpsite:revoked:"

// Options configures the Redis connection.
type Options struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	Prefix     string
}

// Revocations implements auth.RevocationRegistry with one key per revoked
// token. Keys carry a TTL equal to the token's remaining lifetime, so Redis
// reclaims them without a sweep.
type Revocations struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ auth.RevocationRegistry = (*Revocations)(nil)

// Open parses opts.URL, applies overrides and checks connectivity.
func Open(ctx context.Context, opts Options) (*Revocations, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		ro.Password = opts.Password
	}
	if opts.DB > 0 {
		ro.DB = opts.DB
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	if opts.MaxRetries > 0 {
		ro.MaxRetries = opts.MaxRetries
	}
	ro.DialTimeout = 5 * time.Second
	ro.ReadTimeout = 3 * time.Second
	ro.WriteTimeout = 3 * time.Second
	ro.PoolTimeout = 4 * time.Second

	client := redis.NewClient(ro)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, opts.Prefix), nil
}

// New wraps an existing client. An empty prefix selects the default.
func New(client *redis.Client, prefix string) *Revocations {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Revocations{client: client, prefix: prefix, now: time.Now}
}

func (r *Revocations) key(fingerprint string) string {
	return r.prefix + fingerprint
}

// Add marks fingerprint revoked until expiresAt. Already expired tokens are
// not stored.
func (r *Revocations) Add(ctx context.Context, fingerprint string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, r.key(fingerprint), expiresAt.UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Revocations) Contains(ctx context.Context, fingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// Ping reports registry readiness.
func (r *Revocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Revocations) Close() error {
	return r.client.Close()
}
