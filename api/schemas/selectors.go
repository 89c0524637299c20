package schemas

import (
	"fmt"
	"time"
)

// -- Locator Schemas --

// ExpressionKind identifies how a locator expression addresses an element.
// The kind drives the prior stability assigned on first discovery.
type ExpressionKind string

const (
	ExprID         ExpressionKind = "id"         // element id, e.g. "prompt-textarea"
	ExprTestID     ExpressionKind = "testid"     // data-testid attribute value
	ExprAria       ExpressionKind = "aria"       // aria-label value
	ExprCSS        ExpressionKind = "css"        // arbitrary CSS selector
	ExprXPath      ExpressionKind = "xpath"      // XPath expression
	ExprText       ExpressionKind = "text"       // visible text match
	ExprPositional ExpressionKind = "positional" // nth-of-type / index based CSS
)

// Expression is one way of finding an element.
type Expression struct {
	Kind  ExpressionKind `json:"kind"`
	Value string         `json:"value"`
}

func (e Expression) String() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Value)
}

// IsZero reports whether the expression is unset.
func (e Expression) IsZero() bool {
	return e.Value == ""
}

// Common role names. Targets may declare any role name; these are the ones the
// orchestrator interacts with directly.
const (
	RoleInput        = "input"
	RoleSubmit       = "submit"
	RoleResponseArea = "responseArea"
	RoleNewChat      = "newChat"
)

// Locator binds a named role to a primary expression plus ordered fallbacks,
// along with the empirical counters used for stability scoring.
type Locator struct {
	Role      string       `json:"role"`
	Primary   Expression   `json:"primary"`
	Fallbacks []Expression `json:"fallbacks,omitempty"`

	// Stability is always within [0,1].
	Stability           float64   `json:"stability"`
	ValidationCount     int       `json:"validation_count"`
	FailureCount        int       `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Degraded            bool      `json:"degraded"`
	DiscoveredAt        time.Time `json:"discovered_at"`
	LastValidatedAt     time.Time `json:"last_validated_at"`
}

// Clone returns a deep copy so snapshots can be shared without aliasing the
// fallback slice.
func (l Locator) Clone() Locator {
	out := l
	if l.Fallbacks != nil {
		out.Fallbacks = append([]Expression(nil), l.Fallbacks...)
	}
	return out
}

// Expressions returns the primary expression followed by the fallbacks.
func (l Locator) Expressions() []Expression {
	exprs := make([]Expression, 0, 1+len(l.Fallbacks))
	exprs = append(exprs, l.Primary)
	return append(exprs, l.Fallbacks...)
}

// SelectorSet holds every locator for one target domain.
type SelectorSet struct {
	TargetID        string             `json:"target_id"`
	Locators        map[string]Locator `json:"locators"`
	Method          StreamMethod       `json:"stream_method,omitempty"`
	DiscoveredAt    time.Time          `json:"discovered_at"`
	LastValidatedAt time.Time          `json:"last_validated_at"`
}

// Health is the minimum stability across the given roles. Missing roles count
// as zero. With no roles given, every locator in the set is considered.
func (s *SelectorSet) Health(requiredRoles []string) float64 {
	if s == nil || len(s.Locators) == 0 {
		return 0
	}
	health := 1.0
	if len(requiredRoles) == 0 {
		for _, loc := range s.Locators {
			if loc.Stability < health {
				health = loc.Stability
			}
		}
		return health
	}
	for _, role := range requiredRoles {
		loc, ok := s.Locators[role]
		if !ok {
			return 0
		}
		if loc.Stability < health {
			health = loc.Stability
		}
	}
	return health
}

// Outcome is the result of one validation attempt of a locator.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}
