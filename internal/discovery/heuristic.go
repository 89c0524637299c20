// internal/discovery/heuristic.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// ErrNoCandidates is returned for a role with neither profile hints nor built-in candidates.
var ErrNoCandidates = errors.New("no candidate expressions for role")

// builtin candidates for the roles the resolver drives, most specific first.
var builtin = map[string][]schemas.Expression{
	strings.ToLower(schemas.RoleInput): {
		{Kind: schemas.ExprCSS, Value: "textarea"},
		{Kind: schemas.ExprCSS, Value: `[contenteditable="true"]`},
		{Kind: schemas.ExprCSS, Value: `input[type="text"]`},
	},
	strings.ToLower(schemas.RoleSubmit): {
		{Kind: schemas.ExprCSS, Value: `button[type="submit"]`},
		{Kind: schemas.ExprAria, Value: "Send message"},
		{Kind: schemas.ExprAria, Value: "Send"},
		{Kind: schemas.ExprText, Value: "Send"},
	},
	strings.ToLower(schemas.RoleResponseArea): {
		{Kind: schemas.ExprCSS, Value: `[role="log"]`},
		{Kind: schemas.ExprCSS, Value: "main"},
	},
	strings.ToLower(schemas.RoleNewChat): {
		{Kind: schemas.ExprAria, Value: "New chat"},
		{Kind: schemas.ExprText, Value: "New chat"},
	},
}

// ProfileLookup returns the profile registered for a target.
type ProfileLookup func(targetID string) (schemas.TargetProfile, bool)

// Heuristic is an offline Discoverer. It proposes the target's configured
// hints followed by generic candidates for the role. The first expression is
// the primary; the rest become fallbacks, which the resolver validates
// against the live page before trusting any of them.
type Heuristic struct {
	lookup ProfileLookup
	logger *zap.Logger
}

var _ schemas.Discoverer = (*Heuristic)(nil)

func NewHeuristic(lookup ProfileLookup, logger *zap.Logger) *Heuristic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heuristic{lookup: lookup, logger: logger.Named("heuristic_discovery")}
}

func (h *Heuristic) Discover(ctx context.Context, targetID, role string) (schemas.Locator, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Locator{}, err
	}
	var exprs []schemas.Expression
	exprs = append(exprs, h.hints(targetID, role)...)
	exprs = dedupe(append(exprs, builtin[strings.ToLower(role)]...))
	if len(exprs) == 0 {
		return schemas.Locator{}, fmt.Errorf("%s/%s: %w", targetID, role, ErrNoCandidates)
	}
	h.logger.Debug("Proposing candidates.",
		zap.String("target", targetID),
		zap.String("role", role),
		zap.Int("candidates", len(exprs)))

	loc := schemas.Locator{Role: role, Primary: exprs[0]}
	if len(exprs) > 1 {
		loc.Fallbacks = exprs[1:]
	}
	return loc, nil
}

func (h *Heuristic) hints(targetID, role string) []schemas.Expression {
	if h.lookup == nil {
		return nil
	}
	p, ok := h.lookup(targetID)
	if !ok {
		return nil
	}
	// Config keys arrive lowercased.
	for r, exprs := range p.Locators {
		if strings.EqualFold(r, role) {
			return exprs
		}
	}
	return nil
}

func dedupe(exprs []schemas.Expression) []schemas.Expression {
	seen := make(map[schemas.Expression]bool, len(exprs))
	out := make([]schemas.Expression, 0, len(exprs))
	for _, e := range exprs {
		if e.IsZero() || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
