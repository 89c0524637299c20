// internal/stream/payload.go
package stream

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/html"
)

// pathKeys converts a dot path such as "choices.0.delta.content" into
// jsoniter path elements. Numeric segments index arrays.
func pathKeys(path string) []interface{} {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	keys := make([]interface{}, len(parts))
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			keys[i] = n
			continue
		}
		keys[i] = p
	}
	return keys
}

// payload is one decoded transport message.
type payload struct {
	text     string
	complete bool
}

// decodePayload extracts the text and completion flag from a transport
// message. With no text field the raw data is the text. ok is false when a
// text field is declared but the data is not JSON or lacks the field.
func decodePayload(data, textField, completionField string) (payload, bool) {
	if textField == "" && completionField == "" {
		return payload{text: data}, true
	}
	raw := []byte(data)
	if !jsoniter.Valid(raw) {
		if textField == "" {
			return payload{text: data}, true
		}
		return payload{}, false
	}

	var p payload
	ok := true
	if textField != "" {
		v := jsoniter.Get(raw, pathKeys(textField)...)
		switch v.ValueType() {
		case jsoniter.StringValue:
			p.text = v.ToString()
		case jsoniter.NumberValue:
			p.text = v.ToString()
		default:
			ok = false
		}
	} else {
		p.text = data
	}
	if completionField != "" {
		p.complete = truthy(jsoniter.Get(raw, pathKeys(completionField)...))
	}
	return p, ok || p.complete
}

func truthy(v jsoniter.Any) bool {
	switch v.ValueType() {
	case jsoniter.BoolValue:
		return v.ToBool()
	case jsoniter.StringValue:
		s := v.ToString()
		return s != "" && s != "null"
	case jsoniter.NumberValue:
		return v.ToFloat64() != 0
	default:
		return false
	}
}

// looksLikeHTML is a cheap check for markup bodies.
func looksLikeHTML(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "<") && strings.HasSuffix(t, ">")
}

// htmlText returns the concatenated text nodes of an HTML fragment, skipping
// script and style content.
func htmlText(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// endpointKey identifies a polling endpoint by URL without its query string,
// which commonly carries cache busters.
func endpointKey(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
