// File: cmd/scalpel-resolver/main_test.go
package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-resolver/cmd"
)

// resetMocks restores the original function implementations.
func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	execute = cmd.Execute
}

func TestRun(t *testing.T) {
	t.Cleanup(resetMocks)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "Success", err: nil, want: 0},
		{name: "Canceled", err: context.Canceled, want: 0},
		{name: "WrappedCanceled", err: errors.Join(errors.New("resolve"), context.Canceled), want: 0},
		{name: "Failure", err: errors.New("boom"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execute = func(context.Context) error { return tt.err }
			assert.Equal(t, tt.want, run(context.Background()))
		})
	}
}

func TestHandlePanic(t *testing.T) {
	t.Cleanup(resetMocks)

	t.Run("WritesPanicLog", func(t *testing.T) {
		var written []byte
		var path string
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			path, written = name, data
			return nil
		}
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("selector store corrupted")
		}()

		assert.Equal(t, 2, code)
		assert.Equal(t, panicLogFile, path)
		assert.Contains(t, string(written), "panic: selector store corrupted")
		assert.Contains(t, string(written), "goroutine")
	})

	t.Run("WriteFailure", func(t *testing.T) {
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only fs") }
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()
		assert.Equal(t, 2, code)
	})

	t.Run("NoPanic", func(t *testing.T) {
		called := false
		osExit = func(int) { called = true }
		func() {
			defer handlePanic()
		}()
		require.False(t, called)
	})
}
