// File: internal/fallback/chain.go
// Description: Immutable recovery chains per failure category and the
// per-resolution cursor that walks them.

package fallback

import (
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/faults"
)

// Action names what a recovery step does before the failed work is resumed.
type Action string

const (
	ActionRetry              Action = "retry"
	ActionRecreateSession    Action = "recreate-session"
	ActionReauthenticate     Action = "reauthenticate"
	ActionFallbackExpression Action = "fallback-expression"
	ActionRediscover         Action = "rediscover"
	ActionResend             Action = "resend"
	ActionReclassify         Action = "reclassify"
	ActionSolveCaptcha       Action = "solve-captcha"
)

// ParseAction validates a configured action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionRetry, ActionRecreateSession, ActionReauthenticate, ActionFallbackExpression,
		ActionRediscover, ActionResend, ActionReclassify, ActionSolveCaptcha:
		return a, nil
	default:
		return "", fmt.Errorf("unknown fallback action %q", s)
	}
}

// Step is one recovery step of a chain.
type Step struct {
	ID      string
	Action  Action
	Budget  int
	Timeout time.Duration
	// Backoff is the delay before the first attempt of the step; it doubles
	// on every further attempt of the same step.
	Backoff time.Duration
}

// Chain is the ordered, immutable list of steps for one category.
type Chain struct {
	category faults.Category
	steps    []Step
}

// Category returns the failure category the chain handles.
func (c Chain) Category() faults.Category { return c.category }

// Len returns the number of steps.
func (c Chain) Len() int { return len(c.steps) }

// Step returns step i.
func (c Chain) Step(i int) Step { return c.steps[i] }

// Steps returns a copy of the steps.
func (c Chain) Steps() []Step { return append([]Step(nil), c.steps...) }

// Budget is the total number of attempts the chain allows.
func (c Chain) Budget() int {
	n := 0
	for _, s := range c.steps {
		n += s.Budget
	}
	return n
}

// Chains holds one chain per category. It is built once and shared by all
// resolutions; per-resolution progress lives in a Cursor.
type Chains struct {
	byCategory map[faults.Category]Chain
}

// NewChains builds chains from configuration. Unknown categories and actions
// are rejected so a typo cannot silently disable recovery.
func NewChains(cfg config.FallbackConfig) (*Chains, error) {
	known := make(map[faults.Category]bool, len(faults.Categories))
	for _, c := range faults.Categories {
		known[c] = true
	}

	cs := &Chains{byCategory: make(map[faults.Category]Chain, len(cfg.Chains))}
	for name, steps := range cfg.Chains {
		cat := faults.Category(name)
		if !known[cat] {
			return nil, fmt.Errorf("fallback chain for unknown category %q", name)
		}
		chain := Chain{category: cat, steps: make([]Step, 0, len(steps))}
		for i, sc := range steps {
			action, err := ParseAction(sc.Action)
			if err != nil {
				return nil, fmt.Errorf("chain %s step %d: %w", name, i, err)
			}
			if sc.Budget <= 0 {
				return nil, fmt.Errorf("chain %s step %d: budget must be positive", name, i)
			}
			id := sc.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d-%s", name, i, action)
			}
			chain.steps = append(chain.steps, Step{
				ID:      id,
				Action:  action,
				Budget:  sc.Budget,
				Timeout: sc.Timeout,
				Backoff: sc.Backoff,
			})
		}
		cs.byCategory[cat] = chain
	}
	return cs, nil
}

// For returns the chain of a category. A category without a configured
// chain yields an empty chain, which is exhausted immediately.
func (cs *Chains) For(cat faults.Category) Chain {
	if c, ok := cs.byCategory[cat]; ok {
		return c
	}
	return Chain{category: cat}
}

// Categories lists the configured categories in a stable order.
func (cs *Chains) Categories() []faults.Category {
	out := make([]faults.Category, 0, len(cs.byCategory))
	for c := range cs.byCategory {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// -- Cursor --

// position is the progress through one category's chain.
type position struct {
	step     int // index of the current step
	used     int // attempts spent on the current step
	attempts int // attempts spent on the whole chain
	delay    backoff.BackOff
}

// Cursor tracks how far one resolution has walked each chain. A category
// that fails again later in the same resolution resumes where it stopped,
// so the total number of attempts is bounded by the sum of all budgets.
// A Cursor is not safe for concurrent use.
type Cursor struct {
	chains    *Chains
	positions map[faults.Category]*position
}

// NewCursor starts a fresh walk over chains.
func NewCursor(chains *Chains) *Cursor {
	return &Cursor{chains: chains, positions: make(map[faults.Category]*position)}
}

func (c *Cursor) pos(cat faults.Category) *position {
	p, ok := c.positions[cat]
	if !ok {
		p = &position{}
		c.positions[cat] = p
	}
	return p
}

// Next claims the next attempt for a category. It returns the step, the
// 1-based attempt number within that step and the delay to wait before the
// attempt. ok is false once the chain is exhausted.
func (c *Cursor) Next(cat faults.Category) (step Step, attempt int, wait time.Duration, ok bool) {
	chain := c.chains.For(cat)
	p := c.pos(cat)
	for p.step < chain.Len() && p.used >= chain.Step(p.step).Budget {
		p.step++
		p.used = 0
		p.delay = nil
	}
	if p.step >= chain.Len() {
		return Step{}, 0, 0, false
	}

	step = chain.Step(p.step)
	if step.Backoff > 0 {
		if p.delay == nil {
			p.delay = newStepBackoff(step.Backoff)
		}
		wait = p.delay.NextBackOff()
	}
	p.used++
	p.attempts++
	return step, p.used, wait, true
}

// Peek returns the step the next call to Next would yield, without claiming it.
func (c *Cursor) Peek(cat faults.Category) (Step, bool) {
	chain := c.chains.For(cat)
	p := c.pos(cat)
	i, used := p.step, p.used
	for i < chain.Len() && used >= chain.Step(i).Budget {
		i++
		used = 0
	}
	if i >= chain.Len() {
		return Step{}, false
	}
	return chain.Step(i), true
}

// Attempts returns how many attempts were spent on a category's chain.
func (c *Cursor) Attempts(cat faults.Category) int {
	if p, ok := c.positions[cat]; ok {
		return p.attempts
	}
	return 0
}

// newStepBackoff doubles the delay on each attempt without jitter and never
// gives up on its own; the step budget bounds the attempts.
func newStepBackoff(initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 32 * initial
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
