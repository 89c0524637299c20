package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// -- Credential stores --
//
// Cookies are stored as plain JSON per target. Encryption at rest is the
// deployment's concern.

const (
	sqlCredentialsSchema = `
        CREATE TABLE IF NOT EXISTS target_credentials (
            target_id TEXT PRIMARY KEY,
            cookies JSONB NOT NULL DEFAULT '[]',
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlUpsertCredentials = `
        INSERT INTO target_credentials (target_id, cookies, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (target_id) DO UPDATE SET
            cookies = EXCLUDED.cookies,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectCredentials = `SELECT cookies FROM target_credentials WHERE target_id = $1;`
	sqlDeleteCredentials = `DELETE FROM target_credentials WHERE target_id = $1;`
)

// Credentials keeps per-target cookies in PostgreSQL.
type Credentials struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.CredentialStore = (*Credentials)(nil)

// NewCredentials creates a PostgreSQL credential store on an already verified pool.
func NewCredentials(pool DBPool, logger *zap.Logger) *Credentials {
	return &Credentials{pool: pool, log: logger.Named("credentials"), now: time.Now}
}

// EnsureSchema creates the credentials table if it does not exist.
func (c *Credentials) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, sqlCredentialsSchema); err != nil {
		return fmt.Errorf("failed to create credentials schema: %w", err)
	}
	return nil
}

func (c *Credentials) Load(ctx context.Context, targetID string) ([]schemas.Cookie, error) {
	rows, err := c.pool.Query(ctx, sqlSelectCredentials, strings.ToLower(targetID))
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var cookies []schemas.Cookie
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan credentials row: %w", err)
		}
		if err := json.Unmarshal(raw, &cookies); err != nil {
			return nil, fmt.Errorf("failed to decode credentials for %s: %w", targetID, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return cookies, nil
}

func (c *Credentials) Save(ctx context.Context, targetID string, cookies []schemas.Cookie) error {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode credentials for %s: %w", targetID, err)
	}
	if _, err := c.pool.Exec(ctx, sqlUpsertCredentials, strings.ToLower(targetID), raw, c.now().UTC()); err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", targetID, err)
	}
	return nil
}

func (c *Credentials) Forget(ctx context.Context, targetID string) error {
	if _, err := c.pool.Exec(ctx, sqlDeleteCredentials, strings.ToLower(targetID)); err != nil {
		return fmt.Errorf("failed to forget credentials for %s: %w", targetID, err)
	}
	return nil
}

// RedisCredentials keeps per-target cookies under prefix+"creds:"+target.
// A non-zero ttl expires idle credentials.
type RedisCredentials struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ schemas.CredentialStore = (*RedisCredentials)(nil)

func NewRedisCredentials(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCredentials {
	return &RedisCredentials{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCredentials) key(targetID string) string {
	return r.prefix + "creds:" + strings.ToLower(targetID)
}

func (r *RedisCredentials) Load(ctx context.Context, targetID string) ([]schemas.Cookie, error) {
	raw, err := r.client.Get(ctx, r.key(targetID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s: %w", targetID, err)
	}
	var cookies []schemas.Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("failed to decode credentials for %s: %w", targetID, err)
	}
	return cookies, nil
}

func (r *RedisCredentials) Save(ctx context.Context, targetID string, cookies []schemas.Cookie) error {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode credentials for %s: %w", targetID, err)
	}
	if err := r.client.Set(ctx, r.key(targetID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", targetID, err)
	}
	return nil
}

func (r *RedisCredentials) Forget(ctx context.Context, targetID string) error {
	if err := r.client.Del(ctx, r.key(targetID)).Err(); err != nil {
		return fmt.Errorf("failed to forget credentials for %s: %w", targetID, err)
	}
	return nil
}

// MemoryCredentials is a process-local credential store.
type MemoryCredentials struct {
	mu      sync.RWMutex
	cookies map[string][]schemas.Cookie
}

var _ schemas.CredentialStore = (*MemoryCredentials)(nil)

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{cookies: make(map[string][]schemas.Cookie)}
}

func (m *MemoryCredentials) Load(_ context.Context, targetID string) ([]schemas.Cookie, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]schemas.Cookie(nil), m.cookies[strings.ToLower(targetID)]...), nil
}

func (m *MemoryCredentials) Save(_ context.Context, targetID string, cookies []schemas.Cookie) error {
	m.mu.Lock()
	m.cookies[strings.ToLower(targetID)] = append([]schemas.Cookie(nil), cookies...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCredentials) Forget(_ context.Context, targetID string) error {
	m.mu.Lock()
	delete(m.cookies, strings.ToLower(targetID))
	m.mu.Unlock()
	return nil
}
