// internal/stream/detector_test.go
package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
)

func testDetector(t *testing.T) *Detector {
	return NewDetector(config.DetectorConfig{
		ObservationWindow:  5 * time.Second,
		MinPollSamples:     3,
		PollJitter:         0.5,
		MethodFailureLimit: 2,
	}, zaptest.NewLogger(t), nil)
}

func polls(url string, base time.Time, offsets ...time.Duration) []schemas.RawEvent {
	evs := make([]schemas.RawEvent, len(offsets))
	for i, off := range offsets {
		evs[i] = schemas.RawEvent{Kind: schemas.EventPollResponse, URL: url, At: base.Add(off), Data: "{}"}
	}
	return evs
}

func TestDetector_DecisiveTransports(t *testing.T) {
	tests := []struct {
		name  string
		event schemas.RawEvent
		want  schemas.StreamMethod
	}{
		{"event-stream content type", schemas.RawEvent{Kind: schemas.EventResponseStarted, ContentType: "text/event-stream; charset=utf-8"}, schemas.MethodServerSentEvents},
		{"event-stream content type is case insensitive", schemas.RawEvent{Kind: schemas.EventResponseStarted, ContentType: "Text/Event-Stream"}, schemas.MethodServerSentEvents},
		{"eventsource message", schemas.RawEvent{Kind: schemas.EventSSEMessage, Data: "x"}, schemas.MethodServerSentEvents},
		{"socket upgrade", schemas.RawEvent{Kind: schemas.EventSocketOpened, URL: "wss://x"}, schemas.MethodSocket},
		{"socket frame", schemas.RawEvent{Kind: schemas.EventSocketFrame, Data: "x"}, schemas.MethodSocket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Regular polling before the decisive event must not win.
			events := polls("https://t/poll", time.Now(), 0, 100*time.Millisecond, 200*time.Millisecond)
			events = append(events, tt.event)

			start := time.Now()
			c, err := testDetector(t).Classify(context.Background(), "t", feed(events), 5*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Method)
			assert.Less(t, time.Since(start), time.Second, "decisive evidence ends observation early")
			assert.Len(t, c.Buffered, len(events), "every consumed event is buffered for replay")
		})
	}
}

func TestDetector_Polling(t *testing.T) {
	base := time.Now()
	window := 30 * time.Millisecond

	t.Run("regular intervals on one endpoint", func(t *testing.T) {
		events := polls("https://t/api/status?cb=1", base, 0, 500*time.Millisecond, 1000*time.Millisecond, 1520*time.Millisecond)
		events = append(events, schemas.RawEvent{Kind: schemas.EventDOMText, Data: "hi"})
		c, err := testDetector(t).Classify(context.Background(), "t", feed(events), window)
		require.NoError(t, err)
		assert.Equal(t, schemas.MethodPollingXHR, c.Method)
		assert.Equal(t, "https://t/api/status", c.Endpoint)
	})

	t.Run("irregular intervals fall back to dom", func(t *testing.T) {
		events := polls("https://t/api/status", base, 0, 10*time.Millisecond, 900*time.Millisecond, 920*time.Millisecond)
		c, err := testDetector(t).Classify(context.Background(), "t", feed(events), window)
		require.NoError(t, err)
		assert.Equal(t, schemas.MethodDOMMutation, c.Method)
	})

	t.Run("too few samples fall back to dom", func(t *testing.T) {
		events := polls("https://t/api/status", base, 0, 500*time.Millisecond)
		c, err := testDetector(t).Classify(context.Background(), "t", feed(events), window)
		require.NoError(t, err)
		assert.Equal(t, schemas.MethodDOMMutation, c.Method)
	})

	t.Run("distinct endpoints are not pooled", func(t *testing.T) {
		events := append(
			polls("https://t/a", base, 0, 500*time.Millisecond),
			polls("https://t/b", base, 250*time.Millisecond, 750*time.Millisecond)...,
		)
		c, err := testDetector(t).Classify(context.Background(), "t", feed(events), window)
		require.NoError(t, err)
		assert.Equal(t, schemas.MethodDOMMutation, c.Method)
	})
}

func TestDetector_DefaultsToDOM(t *testing.T) {
	c, err := testDetector(t).Classify(context.Background(), "t", make(chan schemas.RawEvent), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, schemas.MethodDOMMutation, c.Method)
	assert.Empty(t, c.Buffered)
	assert.False(t, c.Closed)
}

func TestDetector_SourceClosed(t *testing.T) {
	ch := make(chan schemas.RawEvent, 1)
	ch <- schemas.RawEvent{Kind: schemas.EventDOMText, Data: "x"}
	close(ch)
	c, err := testDetector(t).Classify(context.Background(), "t", ch, time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Closed)
	assert.Equal(t, schemas.MethodDOMMutation, c.Method)
	assert.Len(t, c.Buffered, 1)
}

func TestDetector_Cancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := testDetector(t).Classify(ctx, "t", make(chan schemas.RawEvent), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntervalCV(t *testing.T) {
	base := time.Now()
	at := func(ms ...int) []time.Time {
		out := make([]time.Time, len(ms))
		for i, m := range ms {
			out[i] = base.Add(time.Duration(m) * time.Millisecond)
		}
		return out
	}

	cv, ok := intervalCV(at(0, 100, 200, 300))
	require.True(t, ok)
	assert.InDelta(t, 0, cv, 1e-9)

	_, ok = intervalCV(at(0))
	assert.False(t, ok)

	_, ok = intervalCV(at(0, 0, 0))
	assert.False(t, ok, "zero mean interval is not regular polling")
}
