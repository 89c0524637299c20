// internal/selectors/scoring.go
package selectors

import (
	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// defaultPrior applies to expression kinds without a configured prior.
const defaultPrior = 0.5

// DefaultPriors mirrors the configuration defaults. Identifier-based
// expressions start near-trusted, positional ones start fragile.
var DefaultPriors = map[schemas.ExpressionKind]float64{
	schemas.ExprID:         0.95,
	schemas.ExprTestID:     0.95,
	schemas.ExprAria:       0.85,
	schemas.ExprCSS:        0.70,
	schemas.ExprText:       0.60,
	schemas.ExprXPath:      0.50,
	schemas.ExprPositional: 0.30,
}

// Prior returns the starting stability for a freshly discovered expression kind.
func Prior(priors map[schemas.ExpressionKind]float64, kind schemas.ExpressionKind) float64 {
	if p, ok := priors[kind]; ok {
		return clamp01(p)
	}
	return defaultPrior
}

// Empirical is validations / (validations + failures). With no attempts the
// prior stands.
func Empirical(validations, failures int, prior float64) float64 {
	if validations < 0 {
		validations = 0
	}
	if failures < 0 {
		failures = 0
	}
	total := validations + failures
	if total == 0 {
		return clamp01(prior)
	}
	return clamp01(float64(validations) / float64(total))
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
