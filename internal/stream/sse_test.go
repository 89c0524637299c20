// internal/stream/sse_test.go
package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSSEDecoder(t *testing.T) {
	t.Run("events split across chunks", func(t *testing.T) {
		var d SSEDecoder
		assert.Empty(t, d.Feed("data: hel"))
		assert.Empty(t, d.Feed("lo\n"))
		assert.Equal(t, []string{"hello"}, d.Feed("\ndata: wor"))
		assert.Equal(t, []string{"world"}, d.Feed("ld\n\n"))
	})

	t.Run("multi-line data, comments and other fields", func(t *testing.T) {
		got := ParseSSE(": keepalive\nevent: delta\nid: 7\ndata: line one\ndata:line two\nretry: 100\n\n")
		assert.Equal(t, []string{"line one\nline two"}, got)
	})

	t.Run("crlf line endings", func(t *testing.T) {
		var d SSEDecoder
		assert.Empty(t, d.Feed("data: a\r"))
		assert.Equal(t, []string{"a"}, d.Feed("\n\r\n"))
	})

	t.Run("events without data are dropped", func(t *testing.T) {
		assert.Empty(t, ParseSSE("event: ping\n\n"))
	})

	t.Run("flush emits an unterminated final event", func(t *testing.T) {
		assert.Equal(t, []string{"first", "[DONE]"}, ParseSSE("data: first\n\ndata: [DONE]"))
	})

	t.Run("empty data field is an empty event", func(t *testing.T) {
		assert.Equal(t, []string{""}, ParseSSE("data\n\n"))
	})
}
