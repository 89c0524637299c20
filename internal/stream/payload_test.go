// internal/stream/payload_test.go
package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		text, done string
		wantText   string
		wantDone   bool
		wantOK     bool
	}{
		{"raw text without fields", "hello", "", "", "hello", false, true},
		{"array index path", `{"choices":[{"delta":{"content":"hi"}}]}`, "choices.0.delta.content", "", "hi", false, true},
		{"missing text field", `{"choices":[{"delta":{"role":"assistant"}}]}`, "choices.0.delta.content", "", "", false, false},
		{"not json with text field", "oops", "text", "", "", false, false},
		{"completion by bool", `{"t":"x","done":true}`, "t", "done", "x", true, true},
		{"completion by reason string", `{"t":"","finish_reason":"stop"}`, "t", "finish_reason", "", true, true},
		{"null completion", `{"t":"a","finish_reason":null}`, "t", "finish_reason", "a", false, true},
		{"completion without text field", `{"status":"done","done":1}`, "", "done", `{"status":"done","done":1}`, true, true},
		{"completion only frame", `{"done":true}`, "t", "done", "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := decodePayload(tt.data, tt.text, tt.done)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantText, p.text)
				assert.Equal(t, tt.wantDone, p.complete)
			}
		})
	}
}

func TestHTMLText(t *testing.T) {
	assert.Equal(t, "Hi & bye", htmlText(`<div class="msg"><p>Hi &amp; </p><style>p{}</style><span>bye</span></div>`))
	assert.True(t, looksLikeHTML("  <p>x</p>\n"))
	assert.False(t, looksLikeHTML("a < b > c"))
}

func TestEndpointKey(t *testing.T) {
	assert.Equal(t, "https://t/poll", endpointKey("https://t/poll?x=1#f"))
	assert.Equal(t, "https://t/poll", endpointKey("https://t/poll"))
}
