// internal/session/pool.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/faults"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("session pool is closed")
	// ErrNotBorrowed is returned when a session is released twice.
	ErrNotBorrowed = errors.New("session is not borrowed")
)

const closeTimeout = 5 * time.Second

// Pool manages reusable sessions per target. Each target has its own lock,
// so contention on one target never blocks another.
type Pool struct {
	driver  schemas.BrowserDriver
	creds   schemas.CredentialStore
	cfg     config.PoolConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	targets map[string]*targetPool
	closed  atomic.Bool
}

type targetPool struct {
	id       string
	mu       sync.Mutex
	idle     []*Session // LIFO, most recently used last
	borrowed map[string]*Session
	creating int
	// wake is closed and replaced whenever capacity may have freed up.
	wake chan struct{}
}

func (tp *targetPool) liveLocked() int {
	return len(tp.idle) + len(tp.borrowed) + tp.creating
}

func (tp *targetPool) broadcastLocked() {
	close(tp.wake)
	tp.wake = make(chan struct{})
}

// Option configures a Pool.
type Option func(*Pool)

// WithCredentials sets the store consulted on session creation and written on healthy release.
func WithCredentials(cs schemas.CredentialStore) Option {
	return func(p *Pool) { p.creds = cs }
}

// WithMetrics attaches pool collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock overrides the time source used for age and idle checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a pool that opens sessions through driver.
func NewPool(driver schemas.BrowserDriver, cfg config.PoolConfig, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSessionsPerTarget <= 0 {
		cfg.MaxSessionsPerTarget = 1
	}
	p := &Pool{
		driver:  driver,
		cfg:     cfg,
		logger:  logger.Named("session_pool"),
		now:     time.Now,
		targets: make(map[string]*targetPool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) target(id string) *targetPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp, ok := p.targets[id]
	if !ok {
		tp = &targetPool{
			id:       id,
			borrowed: make(map[string]*Session),
			wake:     make(chan struct{}),
		}
		p.targets[id] = tp
	}
	return tp
}

// Acquire hands out an idle session for the target, creates one while under
// the per-target limit, or waits up to the configured bound for one to be
// released. Idle sessions are probed before being handed out; stale or dead
// ones are destroyed and the search continues.
func (p *Pool) Acquire(ctx context.Context, profile schemas.TargetProfile) (*Session, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	start := time.Now()
	tp := p.target(profile.ID)
	timer := time.NewTimer(p.cfg.AcquireWait)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			candidate *Session
			stale     []*Session
			wait      <-chan struct{}
			create    bool
		)
		now := p.now()

		tp.mu.Lock()
		for len(tp.idle) > 0 && candidate == nil {
			s := tp.idle[len(tp.idle)-1]
			tp.idle = tp.idle[:len(tp.idle)-1]
			if p.reclaimable(s, now) {
				stale = append(stale, s)
				continue
			}
			candidate = s
		}
		switch {
		case candidate != nil:
			candidate.borrowed.Store(true)
			tp.borrowed[candidate.id] = candidate
		case tp.liveLocked() < p.cfg.MaxSessionsPerTarget:
			tp.creating++
			create = true
		default:
			wait = tp.wake
		}
		if len(stale) > 0 {
			tp.broadcastLocked()
		}
		tp.mu.Unlock()

		for _, s := range stale {
			p.logger.Debug("Reclaiming stale idle session.",
				zap.String("session_id", s.id),
				zap.String("target", s.targetID),
				zap.Duration("age", s.age(now)))
			_ = p.destroy(ctx, s)
		}

		switch {
		case candidate != nil:
			if err := p.probe(ctx, candidate); err != nil {
				p.logger.Debug("Idle session failed liveness probe.",
					zap.String("session_id", candidate.id), zap.Error(err))
				p.discard(ctx, tp, candidate)
				continue
			}
			candidate.transition(StateActive, p.now())
			p.observeAcquire(tp, start)
			return candidate, nil

		case create:
			s, err := p.create(ctx, profile)
			tp.mu.Lock()
			tp.creating--
			if err == nil {
				s.borrowed.Store(true)
				tp.borrowed[s.id] = s
			} else {
				tp.broadcastLocked()
			}
			tp.mu.Unlock()
			if err != nil {
				return nil, err
			}
			s.transition(StateActive, p.now())
			p.observeAcquire(tp, start)
			return s, nil
		}

		select {
		case <-wait:
		case <-timer.C:
			p.metrics.Exhausted(tp.id)
			retryAfter := p.retryAfter(tp)
			p.logger.Warn("Session pool exhausted.",
				zap.String("target", tp.id),
				zap.Int("max_sessions", p.cfg.MaxSessionsPerTarget),
				zap.Duration("retry_after", retryAfter))
			return nil, &faults.PoolExhaustedError{TargetID: tp.id, RetryAfter: retryAfter}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a borrowed session. Healthy sessions younger than MaxAge go
// back to the idle list after their cookies are written to the credential
// store; everything else is destroyed. Releasing twice returns ErrNotBorrowed.
func (p *Pool) Release(ctx context.Context, s *Session, healthy bool) error {
	if s == nil {
		return fmt.Errorf("release of nil session: %w", ErrNotBorrowed)
	}
	if !s.borrowed.CompareAndSwap(true, false) {
		return fmt.Errorf("session %s: %w", s.id, ErrNotBorrowed)
	}
	tp := p.target(s.targetID)
	now := p.now()
	keep := healthy && s.age(now) < p.cfg.MaxAge

	if keep && p.creds != nil {
		p.saveCredentials(ctx, s)
	}

	tp.mu.Lock()
	delete(tp.borrowed, s.id)
	// Checked under the target lock so Close cannot miss a session.
	if keep && p.closed.Load() {
		keep = false
	}
	if keep {
		s.transition(StateIdle, now)
		tp.idle = append(tp.idle, s)
	}
	tp.broadcastLocked()
	tp.mu.Unlock()
	p.updateGauges(tp)

	if !keep {
		p.logger.Debug("Destroying released session.",
			zap.String("session_id", s.id),
			zap.String("target", s.targetID),
			zap.Bool("healthy", healthy))
		return p.destroy(ctx, s)
	}
	return nil
}

// Close destroys every idle session concurrently. Borrowed sessions are
// destroyed when they are released.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	targets := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		targets = append(targets, tp)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, tp := range targets {
		tp.mu.Lock()
		idle := tp.idle
		tp.idle = nil
		tp.broadcastLocked()
		tp.mu.Unlock()
		for _, s := range idle {
			g.Go(func() error { return p.destroy(ctx, s) })
		}
	}
	err := g.Wait()
	p.logger.Info("Session pool closed.")
	return err
}

// Stats is a point-in-time view of one target's sessions.
type Stats struct {
	Idle     int
	Borrowed int
	Creating int
}

// Stats reports session counts for a target.
func (p *Pool) Stats(targetID string) Stats {
	tp := p.target(targetID)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return Stats{Idle: len(tp.idle), Borrowed: len(tp.borrowed), Creating: tp.creating}
}

// -- internals --

func (p *Pool) reclaimable(s *Session, now time.Time) bool {
	if p.cfg.MaxAge > 0 && s.age(now) >= p.cfg.MaxAge {
		return true
	}
	return p.cfg.IdleTimeout > 0 && s.idleFor(now) >= p.cfg.IdleTimeout
}

func (p *Pool) probe(ctx context.Context, s *Session) error {
	probeCtx := ctx
	if p.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		defer cancel()
	}
	return s.conn.Probe(probeCtx)
}

func (p *Pool) create(ctx context.Context, profile schemas.TargetProfile) (*Session, error) {
	conn, err := p.driver.Open(ctx, profile)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &faults.NetworkError{Op: "open session", Err: err}
	}
	now := p.now()
	s := &Session{
		id:         uuid.NewString(),
		targetID:   profile.ID,
		profile:    profile,
		conn:       conn,
		createdAt:  now,
		state:      StateCreated,
		lastUsedAt: now,
	}
	if p.creds != nil {
		p.applyCredentials(ctx, s)
	}
	p.logger.Debug("Created session.",
		zap.String("session_id", s.id),
		zap.String("target", s.targetID),
		zap.Stringer("state", s.State()))
	return s, nil
}

func (p *Pool) applyCredentials(ctx context.Context, s *Session) {
	cookies, err := p.creds.Load(ctx, s.targetID)
	if err != nil {
		p.logger.Warn("Failed to load stored credentials.", zap.String("target", s.targetID), zap.Error(err))
		return
	}
	if len(cookies) == 0 {
		return
	}
	cookies, dropped := liveCookies(cookies, p.now())
	if dropped > 0 {
		p.logger.Debug("Dropped expired stored cookies.", zap.String("target", s.targetID), zap.Int("dropped", dropped))
	}
	if len(cookies) == 0 {
		// Nothing usable is left; stop offering it to later sessions.
		if err := p.creds.Forget(ctx, s.targetID); err != nil {
			p.logger.Warn("Failed to forget expired credentials.", zap.String("target", s.targetID), zap.Error(err))
		}
		return
	}
	if err := s.conn.ApplyCookies(ctx, cookies); err != nil {
		p.logger.Warn("Failed to apply stored credentials.", zap.String("target", s.targetID), zap.Error(err))
		return
	}
	s.transition(StateAuthenticated, time.Time{})
}

func (p *Pool) saveCredentials(ctx context.Context, s *Session) {
	cookies, err := s.conn.ExportCookies(ctx)
	if err != nil {
		p.logger.Warn("Failed to export session cookies.", zap.String("session_id", s.id), zap.Error(err))
		return
	}
	if len(cookies) == 0 {
		return
	}
	if err := p.creds.Save(ctx, s.targetID, cookies); err != nil {
		p.logger.Warn("Failed to persist session cookies.", zap.String("target", s.targetID), zap.Error(err))
	}
}

// discard drops a borrowed session that never reached the caller.
func (p *Pool) discard(ctx context.Context, tp *targetPool, s *Session) {
	s.borrowed.Store(false)
	tp.mu.Lock()
	delete(tp.borrowed, s.id)
	tp.broadcastLocked()
	tp.mu.Unlock()
	_ = p.destroy(ctx, s)
}

// destroy closes the connection with a context detached from the caller's
// cancellation, since destruction usually follows a cancelled resolution.
func (p *Pool) destroy(ctx context.Context, s *Session) error {
	s.transition(StateExpired, time.Time{})
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	err := s.conn.Close(closeCtx)
	p.updateGauges(p.target(s.targetID))
	if err != nil {
		p.logger.Debug("Error closing session.", zap.String("session_id", s.id), zap.Error(err))
		return fmt.Errorf("failed to close session %s: %w", s.id, err)
	}
	return nil
}

// retryAfter estimates when capacity frees up: the time until the oldest
// borrowed session ages out, bounded by the acquire wait.
func (p *Pool) retryAfter(tp *targetPool) time.Duration {
	hint := p.cfg.AcquireWait
	now := p.now()
	tp.mu.Lock()
	for _, s := range tp.borrowed {
		if remaining := p.cfg.MaxAge - s.age(now); remaining > 0 && remaining < hint {
			hint = remaining
		}
	}
	tp.mu.Unlock()
	if hint < time.Second {
		hint = time.Second
	}
	return hint
}

func (p *Pool) observeAcquire(tp *targetPool, start time.Time) {
	p.metrics.AcquireObserved(tp.id, time.Since(start).Seconds())
	p.updateGauges(tp)
}

func (p *Pool) updateGauges(tp *targetPool) {
	if p.metrics == nil {
		return
	}
	tp.mu.Lock()
	idle, borrowed := len(tp.idle), len(tp.borrowed)
	tp.mu.Unlock()
	p.metrics.SessionsGauge(tp.id, StateIdle.String(), idle)
	p.metrics.SessionsGauge(tp.id, StateActive.String(), borrowed)
}
