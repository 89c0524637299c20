// internal/browser/tap.go
package browser

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/stream"
)

const tapBuffer = 1024

// response is what the tap remembers about a request between its headers
// and the end of its body.
type response struct {
	url         string
	contentType string
	typ         network.ResourceType
	at          time.Time
}

// tap converts CDP events into raw stream events. Sends never block the
// chromedp listener; a full buffer drops the event with a warning.
type tap struct {
	logger     *zap.Logger
	fetch      func(network.RequestID) ([]byte, error)
	disconnect func()
	now        func() time.Time

	mu        sync.Mutex
	closed    bool
	events    chan schemas.RawEvent
	responses map[network.RequestID]response

	stopOnce sync.Once
}

var _ schemas.EventTap = (*tap)(nil)

func newTap(logger *zap.Logger, fetch func(network.RequestID) ([]byte, error), disconnect func()) *tap {
	return &tap{
		logger:     logger.Named("tap"),
		fetch:      fetch,
		disconnect: disconnect,
		now:        time.Now,
		events:     make(chan schemas.RawEvent, tapBuffer),
		responses:  make(map[network.RequestID]response),
	}
}

func (t *tap) Events() <-chan schemas.RawEvent { return t.events }

// Stop closes the events channel and disconnects the DOM observer in the
// background. Later CDP events are ignored.
func (t *tap) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()
		if t.disconnect != nil {
			go t.disconnect()
		}
	})
}

func (t *tap) emit(ev schemas.RawEvent) {
	if ev.At.IsZero() {
		ev.At = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("Tap buffer full, dropping event.", zap.Stringer("kind", ev.Kind), zap.String("url", ev.URL))
	}
}

func tracked(typ network.ResourceType) bool {
	switch typ {
	case network.ResourceTypeXHR, network.ResourceTypeFetch, network.ResourceTypeEventSource:
		return true
	}
	return false
}

// handle converts one CDP event.
func (t *tap) handle(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		if !tracked(ev.Type) || ev.Response == nil {
			return
		}
		r := response{url: ev.Response.URL, contentType: ev.Response.MimeType, typ: ev.Type, at: t.now()}
		t.mu.Lock()
		t.responses[ev.RequestID] = r
		t.mu.Unlock()
		t.emit(schemas.RawEvent{
			Kind:        schemas.EventResponseStarted,
			At:          r.at,
			RequestID:   string(ev.RequestID),
			URL:         r.url,
			ContentType: r.contentType,
		})

	case *network.EventEventSourceMessageReceived:
		t.emit(schemas.RawEvent{
			Kind:      schemas.EventSSEMessage,
			RequestID: string(ev.RequestID),
			URL:       t.urlOf(ev.RequestID),
			Data:      ev.Data,
		})

	case *network.EventWebSocketCreated:
		t.emit(schemas.RawEvent{Kind: schemas.EventSocketOpened, RequestID: string(ev.RequestID), URL: ev.URL})

	case *network.EventWebSocketFrameReceived:
		// Opcode 1 is a text frame; binary frames carry no assembled text.
		if ev.Response == nil || ev.Response.Opcode != 1 {
			return
		}
		t.emit(schemas.RawEvent{Kind: schemas.EventSocketFrame, RequestID: string(ev.RequestID), Data: ev.Response.PayloadData})

	case *network.EventLoadingFinished:
		t.mu.Lock()
		r, ok := t.responses[ev.RequestID]
		delete(t.responses, ev.RequestID)
		t.mu.Unlock()
		if !ok {
			return
		}
		if r.typ == network.ResourceTypeEventSource {
			t.emit(schemas.RawEvent{Kind: schemas.EventStreamClosed, RequestID: string(ev.RequestID), URL: r.url})
			return
		}
		// Body retrieval is a CDP round trip and must not run on the listener goroutine.
		go t.complete(ev.RequestID, r)

	case *runtime.EventBindingCalled:
		if ev.Name != bindingName {
			return
		}
		t.binding(ev.Payload)
	}
}

func (t *tap) urlOf(id network.RequestID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responses[id].url
}

// complete reports a finished XHR/fetch body. Event-stream bodies delivered
// over fetch are split into their messages followed by a close.
func (t *tap) complete(id network.RequestID, r response) {
	body, err := t.fetch(id)
	if err != nil {
		t.logger.Debug("Failed to fetch response body.", zap.String("url", r.url), zap.Error(err))
		return
	}
	if stream.IsEventStream(r.contentType) {
		for _, data := range stream.ParseSSE(string(body)) {
			t.emit(schemas.RawEvent{Kind: schemas.EventSSEMessage, RequestID: string(id), URL: r.url, Data: data})
		}
		t.emit(schemas.RawEvent{Kind: schemas.EventStreamClosed, RequestID: string(id), URL: r.url})
		return
	}
	t.emit(schemas.RawEvent{
		Kind:        schemas.EventPollResponse,
		At:          r.at,
		RequestID:   string(id),
		URL:         r.url,
		ContentType: r.contentType,
		Data:        string(body),
	})
}

func (t *tap) binding(payload string) {
	m, err := decodeBinding(payload)
	if err != nil {
		t.logger.Debug("Malformed observer message.", zap.Error(err))
		return
	}
	switch m.Kind {
	case "text":
		if m.Data != "" {
			t.emit(schemas.RawEvent{Kind: schemas.EventDOMText, Data: m.Data})
		}
	case "busy":
		t.emit(schemas.RawEvent{Kind: schemas.EventBusyIndicator, Busy: m.Busy})
	}
}
