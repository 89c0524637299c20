// File: internal/resolver/orchestrator.go
// Description: Drives one resolution from session acquisition to a completed
// response stream, routing every failure through the fallback chains.

package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/fallback"
	"github.com/xkilldash9x/scalpel-resolver/internal/faults"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
	"github.com/xkilldash9x/scalpel-resolver/internal/selectors"
	"github.com/xkilldash9x/scalpel-resolver/internal/session"
	"github.com/xkilldash9x/scalpel-resolver/internal/stream"
)

// Dependencies are the components an Orchestrator is built from.
type Dependencies struct {
	Targets    *Targets
	Selectors  *selectors.Store
	Pool       *session.Pool
	Detector   *stream.Detector
	Assembler  *stream.Assembler
	Chains     *fallback.Chains
	Discoverer schemas.Discoverer

	// Optional collaborators.
	Solver      schemas.CaptchaSolver
	Credentials schemas.CredentialStore
	Metrics     *observability.Metrics

	// DiscoveryRate limits discovery calls per target per second. Zero is unlimited.
	DiscoveryRate  float64
	DiscoveryBurst int
}

// Orchestrator runs resolutions. It holds no per-resolution state and is
// safe for concurrent use.
type Orchestrator struct {
	targets   *Targets
	selectors *selectors.Store
	pool      *session.Pool
	detector  *stream.Detector
	assembler *stream.Assembler
	chains    *fallback.Chains
	runner    *fallback.Runner
	discovery *discovery
	solver    schemas.CaptchaSolver
	creds     schemas.CredentialStore
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// New creates an Orchestrator.
func New(deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Targets == nil ||
		deps.Selectors == nil ||
		deps.Pool == nil ||
		deps.Detector == nil ||
		deps.Assembler == nil ||
		deps.Chains == nil ||
		deps.Discoverer == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("resolver")
	return &Orchestrator{
		targets:   deps.Targets,
		selectors: deps.Selectors,
		pool:      deps.Pool,
		detector:  deps.Detector,
		assembler: deps.Assembler,
		chains:    deps.Chains,
		runner:    fallback.NewRunner(logger, deps.Metrics),
		discovery: newDiscovery(deps.Discoverer, rate.Limit(deps.DiscoveryRate), deps.DiscoveryBurst, logger, deps.Metrics),
		solver:    deps.Solver,
		creds:     deps.Credentials,
		logger:    logger,
		metrics:   deps.Metrics,
	}, nil
}

// Resolve submits intent to the target and streams the response. It returns
// once the resolution has started; failures, including pool exhaustion and
// chain exhaustion, are reported by the returned Stream. Cancelling ctx
// abandons the resolution, releases its session as unhealthy and leaves the
// selector cache untouched from that point on.
func (o *Orchestrator) Resolve(ctx context.Context, targetID string, intent schemas.Intent) (*Stream, error) {
	profile, ok := o.targets.Get(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	id := uuid.NewString()
	out := newStream(id, profile.ID)
	r := &resolution{
		o:       o,
		id:      id,
		profile: profile,
		intent:  intent,
		roles:   intent.Roles(),
		cursor:  fallback.NewCursor(o.chains),
		out:     out,
		logger: o.logger.With(
			zap.String("resolution", id),
			zap.String("target", profile.ID)),
	}
	go r.run(ctx)
	return out, nil
}

// resolution is the state of one Resolve call. It is confined to the
// goroutine started by Resolve.
type resolution struct {
	o       *Orchestrator
	id      string
	profile schemas.TargetProfile
	intent  schemas.Intent
	roles   []string
	cursor  *fallback.Cursor
	out     *Stream
	logger  *zap.Logger

	state  State
	failed State

	sess *session.Session
	// Per-session selector state; reset whenever the session changes.
	locators  map[string]schemas.Locator
	exprIdx   map[string]int
	validated map[string]bool
	challenge *schemas.Challenge

	tap       schemas.EventTap
	class     stream.Classification
	seq       int
	delivered int
}

func (r *resolution) run(ctx context.Context) {
	start := time.Now()
	err := r.advance(ctx, StateIdle)
	if err != nil && ctx.Err() == nil {
		err = r.o.runner.Recover(ctx, r.cursor, err, fallback.Recovery{
			Apply:  r.apply,
			Resume: r.resume,
			State:  func() string { return r.failed.String() },
		})
	}
	if err == nil {
		err = r.send(ctx, schemas.TextDelta{Done: true, Method: r.class.Method})
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		err = ctxErr
	}
	r.finish(ctx, err, time.Since(start))
}

func (r *resolution) finish(ctx context.Context, err error, took time.Duration) {
	r.stopTap()
	if r.sess != nil {
		if rerr := r.o.pool.Release(context.WithoutCancel(ctx), r.sess, err == nil); rerr != nil {
			r.logger.Warn("Failed to release session.", zap.Error(rerr))
		}
		r.sess = nil
	}

	outcome := "completed"
	switch {
	case err == nil:
		r.state = StateCompleted
		r.logger.Info("Resolution completed.",
			zap.Int("bytes", r.delivered),
			zap.String("method", string(r.class.Method)),
			zap.Duration("took", took))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
		r.logger.Info("Resolution abandoned.", zap.String("state", r.state.String()), zap.Error(err))
	case faults.IsTerminal(err):
		outcome = "failed_terminal"
		r.state = StateFailedTerminal
		r.logger.Error("Resolution failed terminally.", zap.Error(err))
	default:
		outcome = "failed"
		if cat, ok := faults.CategoryOf(err); ok {
			outcome = string(cat)
		}
		r.logger.Error("Resolution failed.", zap.Error(err))
	}
	if outcome != "canceled" {
		r.endResolution(ctx)
	}
	r.o.metrics.Resolved(r.profile.ID, outcome)
	r.out.finish(err)
}

// endResolution advances the target's low-health streak once for this
// resolution, however many validations it recorded.
func (r *resolution) endResolution(ctx context.Context) {
	evicted, err := r.o.selectors.EndResolution(context.WithoutCancel(ctx), r.profile.ID)
	if err != nil {
		r.logger.Warn("Failed to evict selector set.", zap.Error(err))
		return
	}
	if evicted {
		r.logger.Info("Selector set evicted; the next resolution rediscovers it.")
	}
}

// -- State machine --

// advance runs transitions from the given state until Completed or the
// first failure. The failing state is kept in r.failed.
func (r *resolution) advance(ctx context.Context, from State) error {
	r.state = from
	for r.state != StateCompleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := r.step(ctx)
		if err != nil {
			r.failed = r.state
			r.stopTap()
			r.logger.Debug("Resolution step failed.",
				zap.String("state", r.state.String()),
				zap.Error(err))
			return err
		}
		r.logger.Debug("Resolution state changed.",
			zap.String("from", r.state.String()),
			zap.String("to", next.String()))
		r.state = next
	}
	return nil
}

func (r *resolution) step(ctx context.Context) (State, error) {
	switch r.state {
	case StateIdle:
		return StateSessionAcquired, r.acquire(ctx)
	case StateSessionAcquired:
		return StateSelectorsResolved, r.resolveSelectors(ctx)
	case StateSelectorsResolved:
		return StateInteracting, r.interact(ctx)
	case StateInteracting:
		return StateStreamDetected, r.detect(ctx)
	case StateStreamDetected:
		return StateStreaming, nil
	case StateStreaming:
		return StateCompleted, r.consume(ctx)
	default:
		return r.state, fmt.Errorf("no transition out of state %s", r.state)
	}
}

// resume re-enters the machine after a recovery action.
func (r *resolution) resume(ctx context.Context, step fallback.Step) error {
	return r.advance(ctx, r.resumeState(step))
}

// resumeState maps a recovery action to the state it hands control back
// to. Anything after the interaction re-enters before it, since a new
// response needs a new submission.
func (r *resolution) resumeState(step fallback.Step) State {
	if r.sess == nil {
		return StateIdle
	}
	var s State
	switch step.Action {
	case fallback.ActionRecreateSession, fallback.ActionReauthenticate:
		return StateIdle
	case fallback.ActionRetry, fallback.ActionSolveCaptcha:
		s = r.failed
	default:
		s = StateSelectorsResolved
	}
	if s > StateSelectorsResolved {
		s = StateSelectorsResolved
	}
	if s == StateSelectorsResolved && !r.allValidated() {
		s = StateSessionAcquired
	}
	return s
}

// -- Transitions --

func (r *resolution) acquire(ctx context.Context) error {
	if err := r.o.selectors.Warm(ctx, r.profile.ID); err != nil {
		r.logger.Warn("Selector backend unavailable, continuing with memory cache.", zap.Error(err))
	}
	s, err := r.o.pool.Acquire(ctx, r.profile)
	if err != nil {
		return err
	}
	r.sess = s
	r.locators = make(map[string]schemas.Locator, len(r.roles))
	r.exprIdx = make(map[string]int, len(r.roles))
	r.validated = make(map[string]bool, len(r.roles))
	r.challenge = nil
	return nil
}

// resolveSelectors checks the page for walls and binds every role the intent
// touches, cache first. Roles already validated on this session are kept.
func (r *resolution) resolveSelectors(ctx context.Context) error {
	conn := r.sess.Conn()
	cond, err := conn.Inspect(ctx, r.profile)
	if err != nil {
		return r.connErr(ctx, "inspect", err)
	}
	if cond.Captcha != nil {
		r.challenge = cond.Captcha
		return &faults.CaptchaError{TargetID: r.profile.ID, Err: fmt.Errorf("challenge %q on page", cond.Captcha.Kind)}
	}
	if cond.AuthRequired {
		return &faults.AuthError{TargetID: r.profile.ID, Err: errors.New("login wall on page")}
	}

	for _, role := range r.roles {
		if r.validated[role] {
			continue
		}
		loc, err := r.o.selectors.Resolve(r.profile.ID, role)
		if err != nil {
			miss, ok := selectors.IsMiss(err)
			if !ok {
				return err
			}
			r.logger.Debug("Selector cache miss.",
				zap.String("role", role),
				zap.String("reason", string(miss.Reason)))
			if loc, err = r.discover(ctx, role); err != nil {
				return err
			}
		}
		if err := r.validate(ctx, role, loc, 0); err != nil {
			return err
		}
	}
	return nil
}

// interact starts the event tap, fills the input and submits. The tap is
// started first so observation covers the response from its first byte.
func (r *resolution) interact(ctx context.Context) error {
	conn := r.sess.Conn()
	tap, err := conn.Tap(ctx, r.profile)
	if err != nil {
		return r.connErr(ctx, "tap", err)
	}
	r.tap = tap

	input := r.roles[0]
	if err := conn.Fill(ctx, r.expr(input), r.intent.Payload); err != nil {
		return r.interactionErr(ctx, input, "fill", err)
	}
	submit := r.roles[len(r.roles)-1]
	if err := conn.Click(ctx, r.expr(submit)); err != nil {
		return r.interactionErr(ctx, submit, "click", err)
	}
	return nil
}

// detect uses the cached stream method or classifies the live traffic.
func (r *resolution) detect(ctx context.Context) error {
	if m, ok := r.o.selectors.CachedMethod(r.profile.ID); ok {
		r.class = stream.Classification{Method: m}
		return nil
	}
	c, err := r.o.detector.Classify(ctx, r.profile.ID, r.tap.Events(), r.o.detector.Window())
	if err != nil {
		return err
	}
	r.class = c
	if c.Closed {
		// Observation was cut short, so the verdict is not worth caching.
		return nil
	}
	if err := r.o.selectors.SetMethod(ctx, r.profile.ID, c.Method); err != nil {
		r.logger.Warn("Failed to persist stream method.", zap.Error(err))
	}
	return nil
}

// consume assembles the response. Events buffered by the detector are
// replayed ahead of the live tap.
func (r *resolution) consume(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var live <-chan schemas.RawEvent
	if !r.class.Closed {
		live = r.tap.Events()
	}
	job := stream.Job{
		Method:    r.class.Method,
		Profile:   r.profile,
		Endpoint:  r.class.Endpoint,
		Events:    replay(cctx, r.class.Buffered, live),
		Delivered: r.delivered,
	}
	err := r.o.assembler.Consume(cctx, job, func(d schemas.TextDelta) error {
		if d.Done || d.Text == "" {
			return nil
		}
		r.delivered += len(d.Text)
		return r.send(ctx, schemas.TextDelta{Text: d.Text, Method: d.Method})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	reclassify, rerr := r.o.selectors.RecordMethod(ctx, r.profile.ID, err == nil)
	if rerr != nil {
		r.logger.Warn("Failed to persist stream method outcome.", zap.Error(rerr))
	}
	if err != nil {
		if reclassify {
			r.logger.Info("Stream method will be reclassified.", zap.String("method", string(r.class.Method)))
		}
		return err
	}
	r.stopTap()
	return nil
}

// -- Recovery actions --

// apply performs a chain step's action. It must leave the resolution in a
// state resumeState can re-enter.
func (r *resolution) apply(ctx context.Context, step fallback.Step, cause error) error {
	switch step.Action {
	case fallback.ActionRetry, fallback.ActionResend:
		return nil

	case fallback.ActionRecreateSession:
		r.dropSession(ctx)
		return nil

	case fallback.ActionReauthenticate:
		r.dropSession(ctx)
		if r.o.creds == nil {
			return nil
		}
		return r.o.creds.Forget(ctx, r.profile.ID)

	case fallback.ActionFallbackExpression:
		return r.promoteFallback(ctx, cause)

	case fallback.ActionRediscover:
		return r.rediscover(ctx, cause)

	case fallback.ActionReclassify:
		r.class = stream.Classification{}
		return r.o.selectors.SetMethod(ctx, r.profile.ID, schemas.MethodUnknown)

	case fallback.ActionSolveCaptcha:
		return r.solveCaptcha(ctx)
	}
	return fmt.Errorf("unsupported action %q", step.Action)
}

func missedRole(cause error) (string, error) {
	var miss *faults.SelectorMissError
	if !errors.As(cause, &miss) {
		return "", errors.New("failure does not name a locator role")
	}
	return miss.Role, nil
}

// promoteFallback tries the failing role's remaining fallback expressions in order.
func (r *resolution) promoteFallback(ctx context.Context, cause error) error {
	role, err := missedRole(cause)
	if err != nil {
		return err
	}
	if r.sess == nil {
		return errors.New("no session to validate fallback expressions on")
	}
	loc, ok := r.locators[role]
	if !ok {
		return fmt.Errorf("no locator tried for role %s", role)
	}
	exprs := loc.Expressions()
	for idx := r.exprIdx[role] + 1; idx < len(exprs); idx++ {
		err := r.validate(ctx, role, loc, idx)
		if err == nil {
			r.logger.Info("Promoted fallback expression.",
				zap.String("role", role),
				zap.Stringer("expression", exprs[idx]))
			return nil
		}
		if cat, _ := faults.CategoryOf(err); cat != faults.CategorySelectorMiss || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("no fallback expression of %s resolved", role)
}

// rediscover drops the failing role and installs a freshly discovered locator.
func (r *resolution) rediscover(ctx context.Context, cause error) error {
	role, err := missedRole(cause)
	if err != nil {
		return err
	}
	if err := r.o.selectors.Invalidate(ctx, r.profile.ID, role); err != nil {
		r.logger.Warn("Failed to invalidate locator.", zap.String("role", role), zap.Error(err))
	}
	loc, err := r.discover(ctx, role)
	if err != nil {
		return err
	}
	if r.sess == nil {
		return nil
	}
	delete(r.validated, role)
	return r.validate(ctx, role, loc, 0)
}

func (r *resolution) solveCaptcha(ctx context.Context) error {
	if r.o.solver == nil {
		return errors.New("no captcha solver configured")
	}
	if r.sess == nil || r.challenge == nil {
		return errors.New("no captcha challenge to solve")
	}
	token, err := r.o.solver.Solve(ctx, *r.challenge)
	if err != nil {
		return fmt.Errorf("captcha solver: %w", err)
	}
	if err := r.sess.Conn().SubmitCaptchaToken(ctx, r.profile, token); err != nil {
		return fmt.Errorf("failed to submit captcha token: %w", err)
	}
	r.challenge = nil
	return nil
}

// -- Helpers --

// discover calls the discovery collaborator and caches the result with its
// prior stability.
func (r *resolution) discover(ctx context.Context, role string) (schemas.Locator, error) {
	loc, err := r.o.discovery.discover(ctx, r.profile.ID, role)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.Locator{}, ctx.Err()
		}
		return schemas.Locator{}, &faults.SelectorMissError{TargetID: r.profile.ID, Role: role, Err: fmt.Errorf("discovery failed: %w", err)}
	}
	if err := r.o.selectors.Put(ctx, r.profile.ID, loc); err != nil {
		r.logger.Warn("Failed to persist discovered locator.", zap.String("role", role), zap.Error(err))
	}
	return loc, nil
}

// validate locates expression idx of loc on the page and records the outcome.
func (r *resolution) validate(ctx context.Context, role string, loc schemas.Locator, idx int) error {
	r.locators[role] = loc
	r.exprIdx[role] = idx
	exprs := loc.Expressions()
	if idx >= len(exprs) {
		return &faults.SelectorMissError{TargetID: r.profile.ID, Role: role, Err: errors.New("no expression left")}
	}
	if err := r.sess.Conn().Locate(ctx, exprs[idx]); err != nil {
		return r.interactionErr(ctx, role, "locate", err)
	}
	r.record(ctx, role, schemas.OutcomeSuccess)
	r.validated[role] = true
	return nil
}

func (r *resolution) allValidated() bool {
	for _, role := range r.roles {
		if !r.validated[role] {
			return false
		}
	}
	return true
}

func (r *resolution) expr(role string) schemas.Expression {
	exprs := r.locators[role].Expressions()
	if idx := r.exprIdx[role]; idx < len(exprs) {
		return exprs[idx]
	}
	return exprs[0]
}

// record updates selector scores unless the resolution was abandoned.
func (r *resolution) record(ctx context.Context, role string, outcome schemas.Outcome) {
	if ctx.Err() != nil {
		return
	}
	err := r.o.selectors.Record(ctx, r.profile.ID, role, outcome)
	if err != nil && !errors.Is(err, selectors.ErrUnknownLocator) {
		r.logger.Warn("Failed to record locator outcome.",
			zap.String("role", role),
			zap.Stringer("outcome", outcome),
			zap.Error(err))
	}
}

// interactionErr types a failure of an element operation.
func (r *resolution) interactionErr(ctx context.Context, role, op string, err error) error {
	if errors.Is(err, schemas.ErrElementNotFound) {
		r.record(ctx, role, schemas.OutcomeFailure)
		return &faults.SelectorMissError{TargetID: r.profile.ID, Role: role, Err: fmt.Errorf("%s %s: %w", op, r.expr(role), err)}
	}
	return r.connErr(ctx, op, err)
}

// connErr types a browser failure. Errors that already carry a category
// and context errors pass through.
func (r *resolution) connErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := faults.CategoryOf(err); ok && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &faults.NetworkError{Op: op, Err: err}
}

// send delivers one delta to the caller in order.
func (r *resolution) send(ctx context.Context, d schemas.TextDelta) error {
	d.Seq = r.seq
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.out.deltas <- d:
		r.seq++
		return nil
	}
}

func (r *resolution) stopTap() {
	if r.tap != nil {
		r.tap.Stop()
		r.tap = nil
	}
}

// dropSession gives the current session back as unhealthy.
func (r *resolution) dropSession(ctx context.Context) {
	r.stopTap()
	if r.sess == nil {
		return
	}
	if err := r.o.pool.Release(context.WithoutCancel(ctx), r.sess, false); err != nil {
		r.logger.Warn("Failed to release session.", zap.Error(err))
	}
	r.sess = nil
	r.validated = nil
}

// replay yields buffered events, then forwards live ones until ctx ends or
// live closes. A nil live channel ends after the buffered events.
func replay(ctx context.Context, buffered []schemas.RawEvent, live <-chan schemas.RawEvent) <-chan schemas.RawEvent {
	out := make(chan schemas.RawEvent)
	go func() {
		defer close(out)
		for _, ev := range buffered {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()
	return out
}
