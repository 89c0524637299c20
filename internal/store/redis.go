package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/selectors"
)

const (
	metaField    = "meta"
	locatorField = "loc:"
	indexKey     = "index"
)

// RedisStore keeps each selector set in a hash (one field per role plus a
// meta field) and indexes targets by freshness in a sorted set.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

var _ selectors.Backend = (*RedisStore)(nil)

type setMeta struct {
	TargetID        string               `json:"target_id"`
	Method          schemas.StreamMethod `json:"stream_method,omitempty"`
	DiscoveredAt    time.Time            `json:"discovered_at"`
	LastValidatedAt time.Time            `json:"last_validated_at"`
}

// NewRedis verifies the connection and returns a Redis-backed store.
func NewRedis(ctx context.Context, client redis.UniversalClient, prefix string, logger *zap.Logger) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		log:    logger.Named("redis_store"),
	}, nil
}

func (s *RedisStore) setKey(targetID string) string {
	return s.prefix + "set:" + strings.ToLower(targetID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + indexKey
}

// Save replaces the stored hash atomically and refreshes the freshness index.
func (s *RedisStore) Save(ctx context.Context, set *schemas.SelectorSet) error {
	meta, err := json.Marshal(setMeta{
		TargetID:        set.TargetID,
		Method:          set.Method,
		DiscoveredAt:    set.DiscoveredAt.UTC(),
		LastValidatedAt: set.LastValidatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode selector set meta: %w", err)
	}
	fields := map[string]interface{}{metaField: meta}
	for role, loc := range set.Locators {
		data, err := json.Marshal(loc)
		if err != nil {
			return fmt.Errorf("failed to encode locator %s/%s: %w", set.TargetID, role, err)
		}
		fields[locatorField+role] = data
	}

	key := s.setKey(set.TargetID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: freshness(set), Member: set.TargetID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save selector set %s: %w", set.TargetID, err)
	}
	return nil
}

// Load returns (nil, nil) when nothing is stored for the target.
func (s *RedisStore) Load(ctx context.Context, targetID string) (*schemas.SelectorSet, error) {
	fields, err := s.client.HGetAll(ctx, s.setKey(targetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load selector set %s: %w", targetID, err)
	}
	raw, ok := fields[metaField]
	if !ok {
		return nil, nil
	}
	var meta setMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode selector set meta for %s: %w", targetID, err)
	}
	set := &schemas.SelectorSet{
		TargetID:        targetID,
		Locators:        make(map[string]schemas.Locator, len(fields)-1),
		Method:          meta.Method,
		DiscoveredAt:    meta.DiscoveredAt,
		LastValidatedAt: meta.LastValidatedAt,
	}
	for field, value := range fields {
		role, isLocator := strings.CutPrefix(field, locatorField)
		if !isLocator {
			continue
		}
		var loc schemas.Locator
		if err := json.Unmarshal([]byte(value), &loc); err != nil {
			s.log.Warn("Skipping undecodable locator.", zap.String("target", targetID), zap.String("role", role), zap.Error(err))
			continue
		}
		loc.Role = role
		set.Locators[role] = loc
	}
	return set, nil
}

// Delete removes one role field, or the whole hash and index entry when role is empty.
func (s *RedisStore) Delete(ctx context.Context, targetID, role string) error {
	key := s.setKey(targetID)
	var err error
	if role == "" {
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.indexKey(), targetID)
			return nil
		})
	} else {
		err = s.client.HDel(ctx, key, locatorField+role).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to delete selectors for %s: %w", targetID, err)
	}
	return nil
}

// Expired lists targets whose freshness score is older than before.
func (s *RedisStore) Expired(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to query expired selector sets: %w", err)
	}
	return ids, nil
}

// freshness is the newest discovery or validation time of the set, in unix seconds.
func freshness(set *schemas.SelectorSet) float64 {
	fresh := set.DiscoveredAt
	if set.LastValidatedAt.After(fresh) {
		fresh = set.LastValidatedAt
	}
	for _, loc := range set.Locators {
		if loc.LastValidatedAt.After(fresh) {
			fresh = loc.LastValidatedAt
		}
		if loc.DiscoveredAt.After(fresh) {
			fresh = loc.DiscoveredAt
		}
	}
	return float64(fresh.Unix())
}
