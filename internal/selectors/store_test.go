// internal/selectors/store_test.go
package selectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// -- Test Helpers --

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memBackend is an in-memory Backend that records calls.
type memBackend struct {
	mu      sync.Mutex
	sets    map[string]*schemas.SelectorSet
	saves   int
	deletes []string
	saveErr error
}

func newMemBackend() *memBackend {
	return &memBackend{sets: make(map[string]*schemas.SelectorSet)}
}

func (b *memBackend) Load(_ context.Context, targetID string) (*schemas.SelectorSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[targetID]
	if !ok {
		return nil, nil
	}
	return set, nil
}

func (b *memBackend) Save(_ context.Context, set *schemas.SelectorSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saves++
	b.sets[set.TargetID] = set
	return nil
}

func (b *memBackend) Delete(_ context.Context, targetID, role string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, targetID+"/"+role)
	if role == "" {
		delete(b.sets, targetID)
		return nil
	}
	if set, ok := b.sets[targetID]; ok {
		delete(set.Locators, role)
	}
	return nil
}

func (b *memBackend) Expired(_ context.Context, before time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, set := range b.sets {
		if set.LastValidatedAt.Before(before) && set.DiscoveredAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func setupStore(t *testing.T, backend Backend, mutate func(*Options)) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := Options{
		TTL:            24 * time.Hour,
		HealthFloor:    0.2,
		EvictionStreak: 3,
		DegradeAfter:   3,
		Priors:         DefaultPriors,
		Now:            clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewStore(opts, backend, zap.NewNop(), nil), clock
}

func cssLocator(role, value string) schemas.Locator {
	return schemas.Locator{
		Role:    role,
		Primary: schemas.Expression{Kind: schemas.ExprCSS, Value: value},
	}
}

// -- Test Cases --

func TestStore_PutAndResolve(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, nil, nil)

	t.Run("absent target is a miss", func(t *testing.T) {
		_, err := store.Resolve("chat.example", schemas.RoleInput)
		miss, ok := IsMiss(err)
		require.True(t, ok)
		assert.Equal(t, MissAbsent, miss.Reason)
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("fresh locator starts at its kind prior", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "chat.example", cssLocator(schemas.RoleInput, "#prompt")))
		loc, err := store.Resolve("chat.example", schemas.RoleInput)
		require.NoError(t, err)
		assert.InDelta(t, 0.70, loc.Stability, 1e-9)
		assert.Equal(t, "#prompt", loc.Primary.Value)
		assert.Zero(t, loc.ValidationCount)
	})

	t.Run("target ids are case insensitive", func(t *testing.T) {
		_, err := store.Resolve("CHAT.example", schemas.RoleInput)
		assert.NoError(t, err)
	})

	t.Run("rejects locators without a primary", func(t *testing.T) {
		err := store.Put(ctx, "chat.example", schemas.Locator{Role: schemas.RoleSubmit})
		assert.Error(t, err)
	})
}

func TestStore_StabilityIsEmpirical(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, nil, nil)
	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleSubmit, "button[type=submit]")))

	const k = 7
	for i := 0; i < k; i++ {
		require.NoError(t, store.Record(ctx, "t", schemas.RoleSubmit, schemas.OutcomeSuccess))
	}
	require.NoError(t, store.Record(ctx, "t", schemas.RoleSubmit, schemas.OutcomeFailure))

	loc, err := store.Resolve("t", schemas.RoleSubmit)
	require.NoError(t, err)
	assert.InDelta(t, float64(k)/float64(k+1), loc.Stability, 1e-9)
	assert.Equal(t, k, loc.ValidationCount)
	assert.Equal(t, 1, loc.FailureCount)
	assert.Equal(t, 1, loc.ConsecutiveFailures)
	assert.False(t, loc.Degraded)
}

func TestStore_DegradesAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	// Keep eviction out of the way.
	store, _ := setupStore(t, nil, func(o *Options) { o.HealthFloor = 0 })

	t.Run("three consecutive failures force a miss", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleInput, "textarea")))
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Record(ctx, "t", schemas.RoleInput, schemas.OutcomeFailure))
		}
		_, err := store.Resolve("t", schemas.RoleInput)
		miss, ok := IsMiss(err)
		require.True(t, ok)
		assert.Equal(t, MissDegraded, miss.Reason)
	})

	t.Run("a success resets the consecutive count", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleSubmit, "button")))
		for _, o := range []schemas.Outcome{
			schemas.OutcomeFailure, schemas.OutcomeFailure, schemas.OutcomeSuccess,
			schemas.OutcomeFailure, schemas.OutcomeFailure,
		} {
			require.NoError(t, store.Record(ctx, "t", schemas.RoleSubmit, o))
		}
		loc, err := store.Resolve("t", schemas.RoleSubmit)
		require.NoError(t, err)
		assert.Equal(t, 2, loc.ConsecutiveFailures)
	})

	t.Run("rediscovery resets counters", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleInput, "#prompt-textarea")))
		loc, err := store.Resolve("t", schemas.RoleInput)
		require.NoError(t, err)
		assert.Zero(t, loc.FailureCount)
		assert.False(t, loc.Degraded)
	})
}

func TestStore_RecordUnknownRole(t *testing.T) {
	store, _ := setupStore(t, nil, nil)
	err := store.Record(context.Background(), "nope", schemas.RoleInput, schemas.OutcomeSuccess)
	assert.ErrorIs(t, err, ErrUnknownLocator)
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	store, clock := setupStore(t, backend, nil)

	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleInput, "textarea")))
	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleSubmit, "button")))

	clock.Advance(20 * time.Hour)
	require.NoError(t, store.Record(ctx, "t", schemas.RoleSubmit, schemas.OutcomeSuccess))
	clock.Advance(5 * time.Hour)

	_, err := store.Resolve("t", schemas.RoleInput)
	miss, ok := IsMiss(err)
	require.True(t, ok)
	assert.Equal(t, MissExpired, miss.Reason)

	_, err = store.Resolve("t", schemas.RoleSubmit)
	assert.NoError(t, err, "validated role is still fresh")

	removed, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "the target still has a fresh role")

	_, err = store.Resolve("t", schemas.RoleInput)
	miss, ok = IsMiss(err)
	require.True(t, ok)
	assert.Equal(t, MissAbsent, miss.Reason)
	assert.Contains(t, backend.deletes, "t/"+schemas.RoleInput)

	clock.Advance(48 * time.Hour)
	removed, err = store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, cached := store.Snapshot("t")
	assert.False(t, cached)
}

func TestStore_HealthFloorEviction(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	store, _ := setupStore(t, backend, func(o *Options) {
		o.DegradeAfter = 100
		o.RequiredRoles = func(string) []string {
			return []string{schemas.RoleInput, schemas.RoleSubmit}
		}
	})

	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleInput, "textarea")))
	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleSubmit, "button")))
	assert.InDelta(t, 0.70, store.Health("t"), 1e-9)

	// Health drops to 0 on the first failure. Records alone never evict.
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, "t", schemas.RoleSubmit, schemas.OutcomeFailure))
	}
	_, cached := store.Snapshot("t")
	require.True(t, cached, "records within one resolution must not evict")

	for i := 0; i < 2; i++ {
		evicted, err := store.EndResolution(ctx, "t")
		require.NoError(t, err)
		require.False(t, evicted)
	}
	_, cached = store.Snapshot("t")
	require.True(t, cached)

	evicted, err := store.EndResolution(ctx, "t")
	require.NoError(t, err)
	assert.True(t, evicted)
	_, cached = store.Snapshot("t")
	assert.False(t, cached, "set evicted after the low-health streak")
	assert.Contains(t, backend.deletes, "t/")

	_, err = store.Resolve("t", schemas.RoleInput)
	miss, ok := IsMiss(err)
	require.True(t, ok)
	assert.Equal(t, MissAbsent, miss.Reason)
}

func TestStore_HealthyResolutionResetsStreak(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, nil, func(o *Options) {
		o.DegradeAfter = 100
		o.RequiredRoles = func(string) []string { return []string{schemas.RoleInput} }
	})
	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleInput, "textarea")))

	require.NoError(t, store.Record(ctx, "t", schemas.RoleInput, schemas.OutcomeFailure))
	for i := 0; i < 2; i++ {
		evicted, err := store.EndResolution(ctx, "t")
		require.NoError(t, err)
		require.False(t, evicted)
	}

	// A fresh discovery restores the prior, so the next resolution clears the streak.
	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleInput, "#prompt")))
	evicted, err := store.EndResolution(ctx, "t")
	require.NoError(t, err)
	assert.False(t, evicted)
	_, cached := store.Snapshot("t")
	assert.True(t, cached)

	evicted, err = store.EndResolution(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, evicted)
}

func TestStore_MissingRequiredRoleDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, nil, func(o *Options) {
		o.RequiredRoles = func(string) []string {
			return []string{schemas.RoleInput, schemas.RoleSubmit}
		}
	})
	require.NoError(t, store.Put(ctx, "t", cssLocator(schemas.RoleInput, "textarea")))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, "t", schemas.RoleInput, schemas.OutcomeSuccess))
	}
	_, err := store.Resolve("t", schemas.RoleInput)
	assert.NoError(t, err)
	assert.Zero(t, store.Health("t"), "absent submit role counts as zero health")
}

func TestStore_MethodCache(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, nil, func(o *Options) { o.MethodFailureLimit = 2 })

	_, ok := store.CachedMethod("t")
	assert.False(t, ok)

	require.NoError(t, store.SetMethod(ctx, "t", schemas.MethodServerSentEvents))
	m, ok := store.CachedMethod("t")
	require.True(t, ok)
	assert.Equal(t, schemas.MethodServerSentEvents, m)

	reclassify, err := store.RecordMethod(ctx, "t", false)
	require.NoError(t, err)
	assert.False(t, reclassify)

	reclassify, err = store.RecordMethod(ctx, "t", true)
	require.NoError(t, err)
	assert.False(t, reclassify)

	for i := 0; i < 2; i++ {
		reclassify, err = store.RecordMethod(ctx, "t", false)
		require.NoError(t, err)
	}
	assert.True(t, reclassify, "second consecutive failure forces reclassification")
	_, ok = store.CachedMethod("t")
	assert.False(t, ok)
}

func TestStore_WarmFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	writer, clock := setupStore(t, backend, nil)

	require.NoError(t, writer.Put(ctx, "t", cssLocator(schemas.RoleInput, "textarea")))
	require.NoError(t, writer.Record(ctx, "t", schemas.RoleInput, schemas.OutcomeSuccess))
	require.NoError(t, writer.SetMethod(ctx, "t", schemas.MethodSocket))

	reader := NewStore(Options{TTL: 24 * time.Hour, Now: clock.Now}, backend, zap.NewNop(), nil)
	require.NoError(t, reader.Warm(ctx, "t"))

	loc, err := reader.Resolve("t", schemas.RoleInput)
	require.NoError(t, err)
	assert.Equal(t, 1, loc.ValidationCount)
	assert.InDelta(t, 1.0, loc.Stability, 1e-9)
	m, ok := reader.CachedMethod("t")
	require.True(t, ok)
	assert.Equal(t, schemas.MethodSocket, m)

	t.Run("warm of an unknown target is a no-op", func(t *testing.T) {
		require.NoError(t, reader.Warm(ctx, "other"))
		_, cached := reader.Snapshot("other")
		assert.False(t, cached)
	})
}

func TestStore_PersistFailureSurfaces(t *testing.T) {
	backend := newMemBackend()
	backend.saveErr = errors.New("connection refused")
	store, _ := setupStore(t, backend, nil)

	err := store.Put(context.Background(), "t", cssLocator(schemas.RoleInput, "textarea"))
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.saveErr)
	_, err = store.Resolve("t", schemas.RoleInput)
	assert.NoError(t, err, "memory stays authoritative when persistence fails")
}

func TestStore_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, newMemBackend(), func(o *Options) {
		o.HealthFloor = 0
		o.DegradeAfter = 1 << 20
	})
	roles := []string{"r0", "r1", "r2", "r3"}
	for _, r := range roles {
		require.NoError(t, store.Put(ctx, "t", cssLocator(r, "."+r)))
	}

	const perRole = 200
	var wg sync.WaitGroup
	for _, r := range roles {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(role string, w int) {
				defer wg.Done()
				for i := 0; i < perRole/4; i++ {
					outcome := schemas.OutcomeSuccess
					if (i+w)%5 == 0 {
						outcome = schemas.OutcomeFailure
					}
					assert.NoError(t, store.Record(ctx, "t", role, outcome))
					_, _ = store.Resolve("t", role)
				}
			}(r, w)
		}
	}
	wg.Wait()

	for _, r := range roles {
		loc, err := store.Resolve("t", r)
		require.NoError(t, err)
		assert.Equal(t, perRole, loc.ValidationCount+loc.FailureCount, fmt.Sprintf("role %s lost updates", r))
		assert.InDelta(t, float64(loc.ValidationCount)/perRole, loc.Stability, 1e-9)
	}
}

func TestStore_StabilityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := NewStore(Options{HealthFloor: 0, DegradeAfter: 1 << 20}, nil, zap.NewNop(), nil)
		kind := rapid.SampledFrom([]schemas.ExpressionKind{
			schemas.ExprID, schemas.ExprCSS, schemas.ExprXPath, schemas.ExprPositional,
		}).Draw(rt, "kind")
		require.NoError(rt, store.Put(ctx, "t", schemas.Locator{
			Role:    "r",
			Primary: schemas.Expression{Kind: kind, Value: "x"},
		}))

		outcomes := rapid.SliceOfN(rapid.Bool(), 0, 60).Draw(rt, "outcomes")
		successes := 0
		for _, ok := range outcomes {
			o := schemas.OutcomeFailure
			if ok {
				o = schemas.OutcomeSuccess
				successes++
			}
			require.NoError(rt, store.Record(ctx, "t", "r", o))
		}

		loc, err := store.Resolve("t", "r")
		require.NoError(rt, err)
		if loc.Stability < 0 || loc.Stability > 1 {
			rt.Fatalf("stability %f out of range", loc.Stability)
		}
		if len(outcomes) == 0 {
			assert.InDelta(rt, DefaultPriors[kind], loc.Stability, 1e-9)
			return
		}
		assert.InDelta(rt, float64(successes)/float64(len(outcomes)), loc.Stability, 1e-9)
	})
}
