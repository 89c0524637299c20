package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/selectors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists selector sets in PostgreSQL, one row per set plus one row per locator.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ selectors.Backend = (*Store)(nil)

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS selector_sets (
            target_id TEXT PRIMARY KEY,
            stream_method TEXT NOT NULL DEFAULT '',
            discovered_at TIMESTAMPTZ NOT NULL,
            last_validated_at TIMESTAMPTZ NOT NULL
        );
        CREATE TABLE IF NOT EXISTS selector_locators (
            target_id TEXT NOT NULL REFERENCES selector_sets(target_id) ON DELETE CASCADE,
            role TEXT NOT NULL,
            primary_kind TEXT NOT NULL,
            primary_value TEXT NOT NULL,
            fallbacks JSONB NOT NULL DEFAULT '[]',
            stability DOUBLE PRECISION NOT NULL,
            validation_count INTEGER NOT NULL DEFAULT 0,
            failure_count INTEGER NOT NULL DEFAULT 0,
            consecutive_failures INTEGER NOT NULL DEFAULT 0,
            degraded BOOLEAN NOT NULL DEFAULT FALSE,
            discovered_at TIMESTAMPTZ NOT NULL,
            last_validated_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (target_id, role)
        );
    `
	sqlUpsertSet = `
        INSERT INTO selector_sets (target_id, stream_method, discovered_at, last_validated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (target_id) DO UPDATE SET
            stream_method = EXCLUDED.stream_method,
            discovered_at = EXCLUDED.discovered_at,
            last_validated_at = EXCLUDED.last_validated_at;
    `
	sqlUpsertLocator = `
        INSERT INTO selector_locators (target_id, role, primary_kind, primary_value, fallbacks, stability,
            validation_count, failure_count, consecutive_failures, degraded, discovered_at, last_validated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (target_id, role) DO UPDATE SET
            primary_kind = EXCLUDED.primary_kind,
            primary_value = EXCLUDED.primary_value,
            fallbacks = EXCLUDED.fallbacks,
            stability = EXCLUDED.stability,
            validation_count = EXCLUDED.validation_count,
            failure_count = EXCLUDED.failure_count,
            consecutive_failures = EXCLUDED.consecutive_failures,
            degraded = EXCLUDED.degraded,
            discovered_at = EXCLUDED.discovered_at,
            last_validated_at = EXCLUDED.last_validated_at;
    `
	sqlPruneLocators = `
        DELETE FROM selector_locators WHERE target_id = $1 AND NOT (role = ANY($2));
    `
	sqlSelectSet = `
        SELECT stream_method, discovered_at, last_validated_at
        FROM selector_sets
        WHERE target_id = $1;
    `
	sqlSelectLocators = `
        SELECT role, primary_kind, primary_value, fallbacks, stability, validation_count,
            failure_count, consecutive_failures, degraded, discovered_at, last_validated_at
        FROM selector_locators
        WHERE target_id = $1
        ORDER BY role ASC;
    `
	sqlDeleteSet     = `DELETE FROM selector_sets WHERE target_id = $1;`
	sqlDeleteLocator = `DELETE FROM selector_locators WHERE target_id = $1 AND role = $2;`
	sqlSelectExpired = `
        SELECT target_id FROM selector_sets
        WHERE GREATEST(discovered_at, last_validated_at) < $1
        ORDER BY target_id ASC;
    `
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the selector tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create selector schema: %w", err)
	}
	return nil
}

// Save writes the set and its locators in one transaction. Roles no longer
// present in the set are removed.
func (s *Store) Save(ctx context.Context, set *schemas.SelectorSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertSet,
		set.TargetID, string(set.Method), set.DiscoveredAt.UTC(), set.LastValidatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert selector set %s: %w", set.TargetID, err)
	}

	roles := slices.Sorted(maps.Keys(set.Locators))
	for _, role := range roles {
		loc := set.Locators[role]
		fallbacks := []byte("[]")
		if len(loc.Fallbacks) > 0 {
			if fallbacks, err = json.Marshal(loc.Fallbacks); err != nil {
				return fmt.Errorf("failed to encode fallbacks for %s/%s: %w", set.TargetID, role, err)
			}
		}
		if _, err := tx.Exec(ctx, sqlUpsertLocator,
			set.TargetID, role, string(loc.Primary.Kind), loc.Primary.Value, fallbacks, loc.Stability,
			loc.ValidationCount, loc.FailureCount, loc.ConsecutiveFailures, loc.Degraded,
			loc.DiscoveredAt.UTC(), loc.LastValidatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to upsert locator %s/%s: %w", set.TargetID, role, err)
		}
	}

	if _, err := tx.Exec(ctx, sqlPruneLocators, set.TargetID, roles); err != nil {
		return fmt.Errorf("failed to prune locators for %s: %w", set.TargetID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load reads a set and its locators. It returns (nil, nil) when the target is unknown.
func (s *Store) Load(ctx context.Context, targetID string) (*schemas.SelectorSet, error) {
	rows, err := s.pool.Query(ctx, sqlSelectSet, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query selector set: %w", err)
	}
	set := &schemas.SelectorSet{TargetID: targetID, Locators: make(map[string]schemas.Locator)}
	found := false
	for rows.Next() {
		var method string
		var discovered, validated time.Time
		if err := rows.Scan(&method, &discovered, &validated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan selector set row: %w", err)
		}
		m, err := schemas.ParseStreamMethod(method)
		if err != nil {
			s.log.Warn("Ignoring unknown persisted stream method.", zap.String("target", targetID), zap.String("method", method))
		}
		set.Method = m
		set.DiscoveredAt = discovered.UTC()
		set.LastValidatedAt = validated.UTC()
		found = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if !found {
		return nil, nil
	}

	rows, err = s.pool.Query(ctx, sqlSelectLocators, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query locators: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var loc schemas.Locator
		var kind string
		var fallbacks []byte
		err := rows.Scan(
			&loc.Role, &kind, &loc.Primary.Value, &fallbacks, &loc.Stability,
			&loc.ValidationCount, &loc.FailureCount, &loc.ConsecutiveFailures, &loc.Degraded,
			&loc.DiscoveredAt, &loc.LastValidatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan locator row: %w", err)
		}
		loc.Primary.Kind = schemas.ExpressionKind(kind)
		if len(fallbacks) > 0 {
			if err := json.Unmarshal(fallbacks, &loc.Fallbacks); err != nil {
				return nil, fmt.Errorf("failed to decode fallbacks for %s/%s: %w", targetID, loc.Role, err)
			}
			if len(loc.Fallbacks) == 0 {
				loc.Fallbacks = nil
			}
		}
		loc.DiscoveredAt = loc.DiscoveredAt.UTC()
		loc.LastValidatedAt = loc.LastValidatedAt.UTC()
		set.Locators[loc.Role] = loc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return set, nil
}

// Delete removes one locator, or the whole set (locators cascade) when role is empty.
func (s *Store) Delete(ctx context.Context, targetID, role string) error {
	var err error
	if role == "" {
		_, err = s.pool.Exec(ctx, sqlDeleteSet, targetID)
	} else {
		_, err = s.pool.Exec(ctx, sqlDeleteLocator, targetID, role)
	}
	if err != nil {
		return fmt.Errorf("failed to delete selectors for %s: %w", targetID, err)
	}
	return nil
}

// Expired lists targets whose newest discovery or validation is older than before.
func (s *Store) Expired(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, sqlSelectExpired, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired selector sets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan target id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return ids, nil
}
