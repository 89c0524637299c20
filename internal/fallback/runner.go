// File: internal/fallback/runner.go
// Description: Walks fallback chains for a failed resolution until a step
// recovers or the chain runs out of budget.

package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/internal/faults"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
)

// Recovery is what the caller does for one attempt. Apply performs the
// step's action under the step timeout; Resume re-runs the failed work from
// wherever the action left it. A nil Resume error means recovered.
type Recovery struct {
	Apply  func(ctx context.Context, step Step, cause error) error
	Resume func(ctx context.Context, step Step) error
	// State names where the failure happened; it is attached to a TerminalError.
	State func() string
}

// Runner executes recovery attempts with backoff, timeouts and logging.
type Runner struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner.
func NewRunner(logger *zap.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger.Named("fallback"), metrics: metrics, sleep: sleepCtx}
}

// Recover walks the chain of cause's category, strictly in step order. If
// an attempt fails with a different category the walk continues on that
// category's chain; the cursor keeps every chain's progress. Pool
// exhaustion, uncategorised errors and cancellation are returned as is.
// Exhaustion returns a *faults.TerminalError carrying the category that
// started recovery and the category whose chain ran out.
func (r *Runner) Recover(ctx context.Context, cur *Cursor, cause error, rec Recovery) error {
	origin, _ := faults.CategoryOf(cause)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cat, ok := faults.CategoryOf(cause)
		if !ok || cat == faults.CategoryPoolExhausted {
			return cause
		}

		step, attempt, wait, ok := cur.Next(cat)
		if !ok {
			state := ""
			if rec.State != nil {
				state = rec.State()
			}
			r.logger.Error("Fallback chain exhausted.",
				zap.String("origin", string(origin)),
				zap.String("category", string(cat)),
				zap.Int("attempts", cur.Attempts(cat)),
				zap.String("state", state),
				zap.Error(cause))
			return &faults.TerminalError{
				Origin:    origin,
				Exhausted: cat,
				State:     state,
				Attempts:  cur.Attempts(cat),
				Cause:     cause,
			}
		}

		if wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := r.attempt(ctx, step, cause, rec)
		r.metrics.FallbackAttempt(string(cat), step.ID, err == nil)
		if err == nil {
			r.logger.Info("Fallback step recovered.",
				zap.String("category", string(cat)),
				zap.String("step", step.ID),
				zap.Int("attempt", attempt),
				zap.Int("budget", step.Budget))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		next := "none"
		nextCat := cat
		if c, ok := faults.CategoryOf(err); ok {
			nextCat = c
		}
		if s, ok := cur.Peek(nextCat); ok {
			next = s.ID
		}
		r.logger.Warn("Fallback step failed.",
			zap.String("category", string(cat)),
			zap.String("step", step.ID),
			zap.Int("attempt", attempt),
			zap.Int("budget", step.Budget),
			zap.String("next_step", next),
			zap.Error(err))
		cause = err
	}
}

// attempt runs the action under the step timeout, then resumes. Resume
// failures carry their own category.
func (r *Runner) attempt(ctx context.Context, step Step, cause error, rec Recovery) error {
	if rec.Apply != nil {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if step.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		err := rec.Apply(actx, step, cause)
		cancel()
		if err != nil {
			if errors.Is(err, faults.ErrPoolExhausted) || ctx.Err() != nil {
				return err
			}
			// A failed action fails the step; the original category keeps
			// escalating through its own chain.
			return fmt.Errorf("step %s: %v: %w", step.ID, err, cause)
		}
	}
	if rec.Resume == nil {
		return nil
	}
	return rec.Resume(ctx, step)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
