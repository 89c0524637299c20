// internal/discovery/heuristic_test.go
package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

func lookupOf(profiles map[string]schemas.TargetProfile) ProfileLookup {
	return func(id string) (schemas.TargetProfile, bool) {
		p, ok := profiles[id]
		return p, ok
	}
}

func TestHeuristic_HintsFirst(t *testing.T) {
	h := NewHeuristic(lookupOf(map[string]schemas.TargetProfile{
		"chat": {Locators: map[string][]schemas.Expression{
			"input": {
				{Kind: schemas.ExprID, Value: "prompt-textarea"},
				{Kind: schemas.ExprCSS, Value: "textarea"},
			},
		}},
	}), nil)

	loc, err := h.Discover(context.Background(), "chat", schemas.RoleInput)
	require.NoError(t, err)
	assert.Equal(t, schemas.RoleInput, loc.Role)
	assert.Equal(t, schemas.Expression{Kind: schemas.ExprID, Value: "prompt-textarea"}, loc.Primary)
	assert.Equal(t, []schemas.Expression{
		{Kind: schemas.ExprCSS, Value: "textarea"},
		{Kind: schemas.ExprCSS, Value: `[contenteditable="true"]`},
		{Kind: schemas.ExprCSS, Value: `input[type="text"]`},
	}, loc.Fallbacks, "duplicates of the hints are dropped")
}

func TestHeuristic_RoleKeysAreCaseInsensitive(t *testing.T) {
	h := NewHeuristic(lookupOf(map[string]schemas.TargetProfile{
		"chat": {Locators: map[string][]schemas.Expression{
			"responsearea": {{Kind: schemas.ExprTestID, Value: "conversation"}},
		}},
	}), nil)

	loc, err := h.Discover(context.Background(), "chat", schemas.RoleResponseArea)
	require.NoError(t, err)
	assert.Equal(t, "conversation", loc.Primary.Value)
	assert.Len(t, loc.Fallbacks, 2)
}

func TestHeuristic_BuiltinOnly(t *testing.T) {
	h := NewHeuristic(nil, nil)

	loc, err := h.Discover(context.Background(), "unknown", schemas.RoleSubmit)
	require.NoError(t, err)
	assert.Equal(t, `button[type="submit"]`, loc.Primary.Value)
	assert.Len(t, loc.Fallbacks, 3)
}

func TestHeuristic_Errors(t *testing.T) {
	h := NewHeuristic(nil, nil)

	_, err := h.Discover(context.Background(), "chat", "sidebar")
	assert.ErrorIs(t, err, ErrNoCandidates)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Discover(ctx, "chat", schemas.RoleInput)
	assert.ErrorIs(t, err, context.Canceled)
}
