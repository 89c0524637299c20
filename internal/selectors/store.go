// internal/selectors/store.go
package selectors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
)

// Backend persists selector sets. Implementations live in internal/store.
// Load returns (nil, nil) when nothing is stored for the target.
type Backend interface {
	Load(ctx context.Context, targetID string) (*schemas.SelectorSet, error)
	Save(ctx context.Context, set *schemas.SelectorSet) error
	// Delete removes one role, or the whole set when role is empty.
	Delete(ctx context.Context, targetID, role string) error
	// Expired lists targets whose newest validation is older than before.
	Expired(ctx context.Context, before time.Time) ([]string, error)
}

// Options tunes scoring and eviction.
type Options struct {
	TTL                time.Duration
	HealthFloor        float64
	EvictionStreak     int
	DegradeAfter       int
	MethodFailureLimit int
	Priors             map[schemas.ExpressionKind]float64
	// RequiredRoles returns the roles whose stability defines a target's health.
	// Nil means every cached role counts.
	RequiredRoles func(targetID string) []string
	Now           func() time.Time
}

// OptionsFromConfig converts the selectors and detector sections into Options.
func OptionsFromConfig(sc config.SelectorsConfig, dc config.DetectorConfig) Options {
	priors := make(map[schemas.ExpressionKind]float64, len(DefaultPriors))
	for k, v := range DefaultPriors {
		priors[k] = v
	}
	for k, v := range sc.Priors {
		priors[schemas.ExpressionKind(strings.ToLower(k))] = v
	}
	return Options{
		TTL:                sc.TTL,
		HealthFloor:        sc.HealthFloor,
		EvictionStreak:     sc.EvictionStreak,
		DegradeAfter:       sc.DegradeAfter,
		MethodFailureLimit: dc.MethodFailureLimit,
		Priors:             priors,
	}
}

func (o *Options) normalize() {
	if o.DegradeAfter <= 0 {
		o.DegradeAfter = 3
	}
	if o.EvictionStreak <= 0 {
		o.EvictionStreak = 3
	}
	if o.MethodFailureLimit <= 0 {
		o.MethodFailureLimit = 2
	}
	if o.Priors == nil {
		o.Priors = DefaultPriors
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the process-wide selector cache. Reads load immutable snapshots
// and never block. Writes for one (target, role) are serialized by that
// role's mutex; writes to different roles or targets proceed in parallel.
type Store struct {
	opts    Options
	backend Backend
	logger  *zap.Logger
	metrics *observability.Metrics

	targets sync.Map // string -> *targetEntry
}

type targetEntry struct {
	id    string
	roles sync.Map // string -> *roleSlot

	discoveredAt    atomic.Int64
	lastValidatedAt atomic.Int64
	lowHealth       atomic.Int32

	methodMu sync.Mutex
	method   atomic.Pointer[methodState]

	// persistMu orders backend writes so a later snapshot never loses to an earlier one.
	persistMu sync.Mutex
}

type roleSlot struct {
	mu  sync.Mutex
	cur atomic.Pointer[schemas.Locator]
}

type methodState struct {
	method   schemas.StreamMethod
	failures int
}

// NewStore builds a Store. backend and metrics may be nil.
func NewStore(opts Options, backend Backend, logger *zap.Logger, metrics *observability.Metrics) *Store {
	opts.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		opts:    opts,
		backend: backend,
		logger:  logger.Named("selectors"),
		metrics: metrics,
	}
}

func key(targetID string) string { return strings.ToLower(targetID) }

func (s *Store) entry(targetID string) (*targetEntry, bool) {
	v, ok := s.targets.Load(key(targetID))
	if !ok {
		return nil, false
	}
	return v.(*targetEntry), true
}

func (s *Store) entryOrCreate(targetID string) *targetEntry {
	if e, ok := s.entry(targetID); ok {
		return e
	}
	v, _ := s.targets.LoadOrStore(key(targetID), &targetEntry{id: targetID})
	return v.(*targetEntry)
}

func (e *targetEntry) slot(role string) (*roleSlot, bool) {
	v, ok := e.roles.Load(role)
	if !ok {
		return nil, false
	}
	return v.(*roleSlot), true
}

func (e *targetEntry) slotOrCreate(role string) *roleSlot {
	if sl, ok := e.slot(role); ok {
		return sl
	}
	v, _ := e.roles.LoadOrStore(role, &roleSlot{})
	return v.(*roleSlot)
}

// -- Reads --

// Resolve returns the cached locator for a role. It has no side effects on
// the cache. A missing, expired or degraded locator yields a *MissError.
func (s *Store) Resolve(targetID, role string) (schemas.Locator, error) {
	miss := func(reason MissReason) (schemas.Locator, error) {
		s.metrics.SelectorLookup(targetID, string(reason))
		return schemas.Locator{}, &MissError{TargetID: targetID, Role: role, Reason: reason}
	}

	e, ok := s.entry(targetID)
	if !ok {
		return miss(MissAbsent)
	}
	sl, ok := e.slot(role)
	if !ok {
		return miss(MissAbsent)
	}
	loc := sl.cur.Load()
	if loc == nil {
		return miss(MissAbsent)
	}
	if s.expired(loc, s.opts.Now()) {
		return miss(MissExpired)
	}
	if loc.Degraded {
		return miss(MissDegraded)
	}
	s.metrics.SelectorLookup(targetID, "hit")
	return loc.Clone(), nil
}

func (s *Store) expired(loc *schemas.Locator, now time.Time) bool {
	if s.opts.TTL <= 0 {
		return false
	}
	fresh := loc.DiscoveredAt
	if loc.LastValidatedAt.After(fresh) {
		fresh = loc.LastValidatedAt
	}
	return now.Sub(fresh) > s.opts.TTL
}

// Snapshot returns a copy of the target's selector set.
func (s *Store) Snapshot(targetID string) (*schemas.SelectorSet, bool) {
	e, ok := s.entry(targetID)
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

func (e *targetEntry) snapshot() *schemas.SelectorSet {
	set := &schemas.SelectorSet{
		TargetID: e.id,
		Locators: make(map[string]schemas.Locator),
	}
	e.roles.Range(func(k, v any) bool {
		if loc := v.(*roleSlot).cur.Load(); loc != nil {
			set.Locators[k.(string)] = loc.Clone()
		}
		return true
	})
	if ms := e.method.Load(); ms != nil {
		set.Method = ms.method
	}
	if ns := e.discoveredAt.Load(); ns != 0 {
		set.DiscoveredAt = time.Unix(0, ns).UTC()
	}
	if ns := e.lastValidatedAt.Load(); ns != 0 {
		set.LastValidatedAt = time.Unix(0, ns).UTC()
	}
	return set
}

// Health is the minimum stability across the target's required roles.
func (s *Store) Health(targetID string) float64 {
	set, ok := s.Snapshot(targetID)
	if !ok {
		return 0
	}
	return set.Health(s.requiredRoles(targetID))
}

// cachedHealth ignores required roles that are not cached yet. Absent roles
// are answered by discovery, not by eviction.
func (s *Store) cachedHealth(e *targetEntry) float64 {
	set := e.snapshot()
	var present []string
	for _, role := range s.requiredRoles(e.id) {
		if _, ok := set.Locators[role]; ok {
			present = append(present, role)
		}
	}
	return set.Health(present)
}

func (s *Store) requiredRoles(targetID string) []string {
	if s.opts.RequiredRoles == nil {
		return nil
	}
	return s.opts.RequiredRoles(targetID)
}

// -- Writes --

// Put installs a freshly discovered locator. Counters reset and stability
// starts at the prior for the primary expression's kind.
func (s *Store) Put(ctx context.Context, targetID string, loc schemas.Locator) error {
	if loc.Role == "" {
		return fmt.Errorf("locator for %s has no role", targetID)
	}
	if loc.Primary.IsZero() {
		return fmt.Errorf("locator %s/%s has no primary expression", targetID, loc.Role)
	}
	now := s.opts.Now()
	e := s.entryOrCreate(targetID)
	sl := e.slotOrCreate(loc.Role)

	sl.mu.Lock()
	fresh := loc.Clone()
	fresh.Stability = Prior(s.opts.Priors, fresh.Primary.Kind)
	fresh.ValidationCount = 0
	fresh.FailureCount = 0
	fresh.ConsecutiveFailures = 0
	fresh.Degraded = false
	fresh.DiscoveredAt = now
	fresh.LastValidatedAt = time.Time{}
	sl.cur.Store(&fresh)
	sl.mu.Unlock()

	e.discoveredAt.Store(now.UnixNano())

	s.logger.Debug("Installed discovered locator.",
		zap.String("target", targetID),
		zap.String("role", loc.Role),
		zap.Stringer("primary", fresh.Primary),
		zap.Float64("stability", fresh.Stability))
	return s.persist(ctx, e)
}

// Record updates a role's counters after a validation attempt and
// re-derives its stability. It marks the role degraded after DegradeAfter
// consecutive failures. Eviction is decided per resolution by EndResolution.
func (s *Store) Record(ctx context.Context, targetID, role string, outcome schemas.Outcome) error {
	e, ok := s.entry(targetID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownLocator, targetID, role)
	}
	sl, ok := e.slot(role)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownLocator, targetID, role)
	}
	now := s.opts.Now()

	sl.mu.Lock()
	cur := sl.cur.Load()
	if cur == nil {
		sl.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownLocator, targetID, role)
	}
	next := cur.Clone()
	switch outcome {
	case schemas.OutcomeSuccess:
		next.ValidationCount++
		next.ConsecutiveFailures = 0
		next.Degraded = false
		next.LastValidatedAt = now
	default:
		next.FailureCount++
		next.ConsecutiveFailures++
		if next.ConsecutiveFailures >= s.opts.DegradeAfter {
			next.Degraded = true
		}
	}
	next.Stability = Empirical(next.ValidationCount, next.FailureCount, Prior(s.opts.Priors, next.Primary.Kind))
	sl.cur.Store(&next)
	sl.mu.Unlock()

	if outcome == schemas.OutcomeSuccess {
		e.lastValidatedAt.Store(now.UnixNano())
	}
	if next.Degraded && !cur.Degraded {
		s.logger.Info("Locator degraded after consecutive failures.",
			zap.String("target", targetID),
			zap.String("role", role),
			zap.Int("consecutive_failures", next.ConsecutiveFailures))
	}

	return s.persist(ctx, e)
}

// EndResolution closes one resolution against the target's set. Health is
// sampled once here, so however many validations a resolution records it
// advances the low-health streak by at most one. The set is evicted once
// health has stayed below the floor for EvictionStreak consecutive
// resolutions; evicted reports that it was.
func (s *Store) EndResolution(ctx context.Context, targetID string) (evicted bool, err error) {
	e, ok := s.entry(targetID)
	if !ok {
		return false, nil
	}
	health := s.cachedHealth(e)
	if health >= s.opts.HealthFloor {
		e.lowHealth.Store(0)
		return false, nil
	}
	streak := e.lowHealth.Add(1)
	if int(streak) < s.opts.EvictionStreak {
		return false, nil
	}
	s.logger.Info("Evicting selector set below health floor.",
		zap.String("target", targetID),
		zap.Float64("health", health),
		zap.Int32("streak", streak))
	return true, s.Invalidate(ctx, targetID, "")
}

// Invalidate drops one role, or the whole target when role is empty. It is
// idempotent.
func (s *Store) Invalidate(ctx context.Context, targetID, role string) error {
	if role == "" {
		s.targets.Delete(key(targetID))
	} else if e, ok := s.entry(targetID); ok {
		if sl, ok := e.slot(role); ok {
			sl.mu.Lock()
			sl.cur.Store(nil)
			e.roles.Delete(role)
			sl.mu.Unlock()
		}
	}
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Delete(ctx, targetID, role); err != nil {
		return fmt.Errorf("failed to delete persisted selectors for %s: %w", targetID, err)
	}
	return nil
}

// -- Stream method cache --

// CachedMethod returns the stream method recorded for the target.
func (s *Store) CachedMethod(targetID string) (schemas.StreamMethod, bool) {
	e, ok := s.entry(targetID)
	if !ok {
		return schemas.MethodUnknown, false
	}
	ms := e.method.Load()
	if ms == nil || ms.method == schemas.MethodUnknown {
		return schemas.MethodUnknown, false
	}
	return ms.method, true
}

// SetMethod records a classification and resets its failure count.
func (s *Store) SetMethod(ctx context.Context, targetID string, m schemas.StreamMethod) error {
	e := s.entryOrCreate(targetID)
	e.methodMu.Lock()
	e.method.Store(&methodState{method: m})
	e.methodMu.Unlock()
	return s.persist(ctx, e)
}

// RecordMethod reports whether streaming with the cached method worked. It
// returns true when the failure limit was reached and the cached method was
// cleared, meaning the caller must reclassify.
func (s *Store) RecordMethod(ctx context.Context, targetID string, ok bool) (bool, error) {
	e, found := s.entry(targetID)
	if !found {
		return !ok, nil
	}
	e.methodMu.Lock()
	cur := e.method.Load()
	if cur == nil {
		e.methodMu.Unlock()
		return !ok, nil
	}
	next := *cur
	reclassify := false
	if ok {
		next.failures = 0
	} else {
		next.failures++
		if next.failures >= s.opts.MethodFailureLimit {
			next = methodState{}
			reclassify = true
		}
	}
	e.method.Store(&next)
	e.methodMu.Unlock()

	if reclassify {
		s.logger.Info("Cached stream method cleared after repeated failures.",
			zap.String("target", targetID),
			zap.String("method", string(cur.method)))
		return true, s.persist(ctx, e)
	}
	return false, nil
}

// -- Persistence --

// Warm loads a persisted set into memory unless the target is already cached.
func (s *Store) Warm(ctx context.Context, targetID string) error {
	if s.backend == nil {
		return nil
	}
	if _, ok := s.entry(targetID); ok {
		return nil
	}
	set, err := s.backend.Load(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to load selectors for %s: %w", targetID, err)
	}
	if set == nil {
		return nil
	}
	e := &targetEntry{id: targetID}
	for role, loc := range set.Locators {
		l := loc.Clone()
		l.Role = role
		sl := &roleSlot{}
		sl.cur.Store(&l)
		e.roles.Store(role, sl)
	}
	if set.Method != schemas.MethodUnknown {
		e.method.Store(&methodState{method: set.Method})
	}
	if !set.DiscoveredAt.IsZero() {
		e.discoveredAt.Store(set.DiscoveredAt.UnixNano())
	}
	if !set.LastValidatedAt.IsZero() {
		e.lastValidatedAt.Store(set.LastValidatedAt.UnixNano())
	}
	if _, loaded := s.targets.LoadOrStore(key(targetID), e); !loaded {
		s.logger.Debug("Warmed selector set from backend.",
			zap.String("target", targetID),
			zap.Int("roles", len(set.Locators)))
	}
	return nil
}

// Prune evicts expired locators from memory and expired sets from the
// backend. It returns how many targets were removed entirely.
func (s *Store) Prune(ctx context.Context) (int, error) {
	now := s.opts.Now()
	removed := 0
	var firstErr error

	s.targets.Range(func(_, v any) bool {
		e := v.(*targetEntry)
		total, remaining := 0, 0
		e.roles.Range(func(k, rv any) bool {
			total++
			loc := rv.(*roleSlot).cur.Load()
			if loc == nil || s.expired(loc, now) {
				if err := s.Invalidate(ctx, e.id, k.(string)); err != nil && firstErr == nil {
					firstErr = err
				}
				return true
			}
			remaining++
			return true
		})
		if total > 0 && remaining == 0 {
			if err := s.Invalidate(ctx, e.id, ""); err != nil && firstErr == nil {
				firstErr = err
			}
			removed++
		}
		return true
	})

	if s.backend != nil && s.opts.TTL > 0 {
		ids, err := s.backend.Expired(ctx, now.Add(-s.opts.TTL))
		if err != nil {
			return removed, fmt.Errorf("failed to list expired selector sets: %w", err)
		}
		for _, id := range ids {
			if _, cached := s.entry(id); cached {
				continue
			}
			if err := s.backend.Delete(ctx, id, ""); err != nil && firstErr == nil {
				firstErr = err
			}
			removed++
		}
	}
	return removed, firstErr
}

func (s *Store) persist(ctx context.Context, e *targetEntry) error {
	if s.backend == nil {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	// An evicted entry must not be written back.
	if cur, ok := s.targets.Load(key(e.id)); !ok || cur.(*targetEntry) != e {
		return nil
	}
	if err := s.backend.Save(ctx, e.snapshot()); err != nil {
		s.logger.Warn("Failed to persist selector set.", zap.String("target", e.id), zap.Error(err))
		return fmt.Errorf("failed to persist selectors for %s: %w", e.id, err)
	}
	return nil
}
