package schemas

import (
	"fmt"
	"time"
)

// -- Stream Schemas --

// StreamMethod is the transport a target uses to deliver incremental output.
type StreamMethod string

const (
	MethodUnknown          StreamMethod = ""
	MethodServerSentEvents StreamMethod = "sse"
	MethodSocket           StreamMethod = "socket"
	MethodPollingXHR       StreamMethod = "polling"
	MethodDOMMutation      StreamMethod = "dom"
)

// ParseStreamMethod converts a persisted method name back into a StreamMethod.
func ParseStreamMethod(s string) (StreamMethod, error) {
	switch m := StreamMethod(s); m {
	case MethodUnknown, MethodServerSentEvents, MethodSocket, MethodPollingXHR, MethodDOMMutation:
		return m, nil
	default:
		return MethodUnknown, fmt.Errorf("unknown stream method %q", s)
	}
}

// RawEventKind enumerates the observations a browser tap can emit.
type RawEventKind int

const (
	// EventResponseStarted fires when response headers arrive for an XHR/fetch/EventSource request.
	EventResponseStarted RawEventKind = iota
	// EventSSEMessage carries the data field of one server-sent event.
	EventSSEMessage
	// EventStreamClosed fires when a long-lived SSE response finishes loading.
	EventStreamClosed
	// EventSocketOpened fires on a WebSocket upgrade.
	EventSocketOpened
	// EventSocketFrame carries one received WebSocket frame payload.
	EventSocketFrame
	// EventPollResponse carries the full body of a completed XHR/fetch response.
	EventPollResponse
	// EventDOMText carries text inserted under the response root.
	EventDOMText
	// EventBusyIndicator reports presence (Busy=true) or absence of the typing indicator.
	EventBusyIndicator
)

func (k RawEventKind) String() string {
	switch k {
	case EventResponseStarted:
		return "response_started"
	case EventSSEMessage:
		return "sse_message"
	case EventStreamClosed:
		return "stream_closed"
	case EventSocketOpened:
		return "socket_opened"
	case EventSocketFrame:
		return "socket_frame"
	case EventPollResponse:
		return "poll_response"
	case EventDOMText:
		return "dom_text"
	case EventBusyIndicator:
		return "busy_indicator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RawEvent is one transport-level observation taken from a session.
type RawEvent struct {
	Kind        RawEventKind
	At          time.Time
	RequestID   string
	URL         string
	ContentType string
	Data        string
	Busy        bool
}

// TextDelta is one ordered increment of assembled response text. The final
// delta of a successful stream has Done set and carries no text.
type TextDelta struct {
	Seq    int          `json:"seq"`
	Text   string       `json:"text,omitempty"`
	Done   bool         `json:"done,omitempty"`
	Method StreamMethod `json:"method,omitempty"`
}
