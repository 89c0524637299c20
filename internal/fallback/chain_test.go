// File: internal/fallback/chain_test.go
package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/faults"
)

func TestNewChains_Defaults(t *testing.T) {
	cs, err := NewChains(config.FallbackConfig{Chains: config.DefaultChains()})
	require.NoError(t, err)

	assert.Equal(t, []faults.Category{
		faults.CategoryAuth, faults.CategoryCaptcha, faults.CategoryNetwork,
		faults.CategorySelectorMiss, faults.CategoryStreamMiss,
	}, cs.Categories())

	network := cs.For(faults.CategoryNetwork)
	require.Equal(t, 2, network.Len())
	assert.Equal(t, ActionRetry, network.Step(0).Action)
	assert.Equal(t, 3, network.Step(0).Budget)
	assert.Equal(t, ActionRecreateSession, network.Step(1).Action)
	assert.Equal(t, 4, network.Budget())

	stream := cs.For(faults.CategoryStreamMiss)
	assert.Equal(t, []Action{ActionResend, ActionReclassify}, []Action{stream.Step(0).Action, stream.Step(1).Action})

	assert.Zero(t, cs.For(faults.CategoryPoolExhausted).Len(), "pool exhaustion has no chain")
}

func TestNewChains_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		chains map[string][]config.StepConfig
		errMsg string
	}{
		{"unknown category", map[string][]config.StepConfig{"weather": {{Action: "retry", Budget: 1}}}, "unknown category"},
		{"unknown action", map[string][]config.StepConfig{"network": {{Action: "pray", Budget: 1}}}, "unknown fallback action"},
		{"zero budget", map[string][]config.StepConfig{"network": {{Action: "retry"}}}, "budget must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChains(config.FallbackConfig{Chains: tt.chains})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestChain_IsImmutable(t *testing.T) {
	cs, err := NewChains(config.FallbackConfig{Chains: config.DefaultChains()})
	require.NoError(t, err)

	steps := cs.For(faults.CategoryNetwork).Steps()
	steps[0].Budget = 100
	assert.Equal(t, 3, cs.For(faults.CategoryNetwork).Step(0).Budget)
}

func TestCursor_WalksInOrderWithinBudget(t *testing.T) {
	cs, err := NewChains(config.FallbackConfig{Chains: map[string][]config.StepConfig{
		"selector-miss": {
			{ID: "a", Action: "fallback-expression", Budget: 1},
			{ID: "b", Action: "rediscover", Budget: 2, Backoff: 100 * time.Millisecond},
		},
	}})
	require.NoError(t, err)
	cur := NewCursor(cs)

	type claim struct {
		id      string
		attempt int
		wait    time.Duration
	}
	var got []claim
	for {
		step, attempt, wait, ok := cur.Next(faults.CategorySelectorMiss)
		if !ok {
			break
		}
		got = append(got, claim{step.ID, attempt, wait})
	}
	assert.Equal(t, []claim{
		{"a", 1, 0},
		{"b", 1, 100 * time.Millisecond},
		{"b", 2, 200 * time.Millisecond},
	}, got)
	assert.Equal(t, 3, cur.Attempts(faults.CategorySelectorMiss))

	_, ok := cur.Peek(faults.CategorySelectorMiss)
	assert.False(t, ok)
	_, _, _, ok = cur.Next(faults.CategorySelectorMiss)
	assert.False(t, ok, "an exhausted chain stays exhausted")
}

func TestCursor_PeekDoesNotClaim(t *testing.T) {
	cs, err := NewChains(config.FallbackConfig{Chains: config.DefaultChains()})
	require.NoError(t, err)
	cur := NewCursor(cs)

	s, ok := cur.Peek(faults.CategoryAuth)
	require.True(t, ok)
	assert.Equal(t, "auth-reauthenticate", s.ID)

	s, _, _, ok = cur.Next(faults.CategoryAuth)
	require.True(t, ok)
	assert.Equal(t, "auth-reauthenticate", s.ID)

	s, ok = cur.Peek(faults.CategoryAuth)
	require.True(t, ok)
	assert.Equal(t, "auth-recreate", s.ID)
	assert.Equal(t, 1, cur.Attempts(faults.CategoryAuth))
	assert.Zero(t, cur.Attempts(faults.CategoryNetwork))
}
