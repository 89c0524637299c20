// internal/stream/sse.go
package stream

import (
	"strings"
)

// SSEDecoder incrementally parses a text/event-stream body. Chunks may split
// lines and events anywhere; Feed returns the data payload of every event
// completed by the chunk. Comment lines and non-data fields are dropped.
type SSEDecoder struct {
	partial string
	data    []string
	hasData bool
}

// Feed consumes the next chunk of the body.
func (d *SSEDecoder) Feed(chunk string) []string {
	d.partial += chunk
	var out []string
	for {
		idx := strings.IndexAny(d.partial, "\r\n")
		if idx < 0 {
			return out
		}
		line := d.partial[:idx]
		// CRLF counts as one line break; a lone trailing CR waits for more input.
		next := idx + 1
		if d.partial[idx] == '\r' {
			if idx+1 == len(d.partial) {
				return out
			}
			if d.partial[idx+1] == '\n' {
				next++
			}
		}
		d.partial = d.partial[next:]
		if ev, ok := d.line(line); ok {
			out = append(out, ev)
		}
	}
}

// Flush terminates the stream and returns a final event left without a blank line.
func (d *SSEDecoder) Flush() []string {
	var out []string
	if d.partial != "" {
		if ev, ok := d.line(d.partial); ok {
			out = append(out, ev)
		}
		d.partial = ""
	}
	if ev, ok := d.line(""); ok {
		out = append(out, ev)
	}
	return out
}

func (d *SSEDecoder) line(line string) (string, bool) {
	if line == "" {
		if !d.hasData {
			return "", false
		}
		ev := strings.Join(d.data, "\n")
		d.data = d.data[:0]
		d.hasData = false
		return ev, true
	}
	if strings.HasPrefix(line, ":") {
		return "", false
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		value = ""
	}
	value = strings.TrimPrefix(value, " ")
	if field == "data" {
		d.data = append(d.data, value)
		d.hasData = true
	}
	return "", false
}

// ParseSSE decodes a complete event-stream body.
func ParseSSE(body string) []string {
	var d SSEDecoder
	return append(d.Feed(body), d.Flush()...)
}
