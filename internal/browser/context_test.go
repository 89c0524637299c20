// internal/browser/context_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "target"

	t.Run("InheritsValuesFromPrimary", func(t *testing.T) {
		ctx1 := context.WithValue(context.Background(), key, "tab-1")
		ctx2 := context.WithValue(context.Background(), key, "ignored")

		combined, cancel := CombineContext(ctx1, ctx2)
		defer cancel()

		assert.Equal(t, "tab-1", combined.Value(key))
		assert.NoError(t, combined.Err())
	})

	t.Run("CancelledByPrimary", func(t *testing.T) {
		ctx1, cancel1 := context.WithCancel(context.Background())
		combined, cancel := CombineContext(ctx1, context.Background())
		defer cancel()

		cancel1()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("CancelledBySecondary", func(t *testing.T) {
		ctx2, cancel2 := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), ctx2)
		defer cancel()

		cancel2()
		assert.Eventually(t, func() bool { return combined.Err() != nil },
			100*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("CancelDetachesSecondary", func(t *testing.T) {
		ctx2, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		combined, cancel := CombineContext(context.Background(), ctx2)
		cancel()

		assert.ErrorIs(t, combined.Err(), context.Canceled)
		assert.NoError(t, ctx2.Err())
	})
}
