// internal/stream/detector.go
package stream

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
)

// Classification is the detector's verdict plus every event it consumed
// while deciding. The buffered events must be replayed to the assembler.
type Classification struct {
	Method schemas.StreamMethod
	// Endpoint is the polled URL (without query) for MethodPollingXHR.
	Endpoint string
	Buffered []schemas.RawEvent
	// Closed reports that the event source ended during observation.
	Closed bool
}

// Detector decides how a target streams its response from a short
// observation of session traffic.
type Detector struct {
	cfg     config.DetectorConfig
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewDetector creates a Detector.
func NewDetector(cfg config.DetectorConfig, logger *zap.Logger, metrics *observability.Metrics) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinPollSamples < 2 {
		cfg.MinPollSamples = 2
	}
	return &Detector{cfg: cfg, logger: logger.Named("detector"), metrics: metrics}
}

// Window is the configured observation window.
func (d *Detector) Window() time.Duration { return d.cfg.ObservationWindow }

// Classify observes events for up to window. Event-stream responses and
// socket upgrades are decisive and end observation immediately. Otherwise,
// at the end of the window, an endpoint answering at least MinPollSamples
// times at regular intervals means polling; anything else is DOM mutation.
func (d *Detector) Classify(ctx context.Context, targetID string, events <-chan schemas.RawEvent, window time.Duration) (Classification, error) {
	var c Classification
	polls := make(map[string][]time.Time)

	timer := time.NewTimer(window)
	defer timer.Stop()

observe:
	for {
		select {
		case <-ctx.Done():
			return c, ctx.Err()
		case <-timer.C:
			break observe
		case ev, ok := <-events:
			if !ok {
				c.Closed = true
				break observe
			}
			c.Buffered = append(c.Buffered, ev)
			if m, decisive := decisiveMethod(ev); decisive {
				c.Method = m
				d.classified(targetID, c, "decisive transport observed")
				return c, nil
			}
			if ev.Kind == schemas.EventPollResponse {
				key := endpointKey(ev.URL)
				polls[key] = append(polls[key], ev.At)
			}
		}
	}

	if endpoint, ok := d.regularEndpoint(polls); ok {
		c.Method = schemas.MethodPollingXHR
		c.Endpoint = endpoint
		d.classified(targetID, c, "regular polling observed")
		return c, nil
	}
	c.Method = schemas.MethodDOMMutation
	d.classified(targetID, c, "default")
	return c, nil
}

func (d *Detector) classified(targetID string, c Classification, reason string) {
	d.metrics.Classified(targetID, string(c.Method))
	d.logger.Debug("Classified stream method.",
		zap.String("target", targetID),
		zap.String("method", string(c.Method)),
		zap.String("reason", reason),
		zap.Int("buffered", len(c.Buffered)))
}

func decisiveMethod(ev schemas.RawEvent) (schemas.StreamMethod, bool) {
	switch ev.Kind {
	case schemas.EventSSEMessage:
		return schemas.MethodServerSentEvents, true
	case schemas.EventResponseStarted:
		if IsEventStream(ev.ContentType) {
			return schemas.MethodServerSentEvents, true
		}
	case schemas.EventSocketOpened, schemas.EventSocketFrame:
		return schemas.MethodSocket, true
	}
	return schemas.MethodUnknown, false
}

// IsEventStream reports whether a content type names an event-stream response.
func IsEventStream(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "text/event-stream")
}

// regularEndpoint picks the endpoint with the most responses among those
// whose inter-arrival intervals have a coefficient of variation within PollJitter.
func (d *Detector) regularEndpoint(polls map[string][]time.Time) (string, bool) {
	best, bestCount := "", 0
	for endpoint, times := range polls {
		if len(times) < d.cfg.MinPollSamples || len(times) <= bestCount {
			continue
		}
		if cv, ok := intervalCV(times); ok && cv <= d.cfg.PollJitter {
			best, bestCount = endpoint, len(times)
		}
	}
	return best, bestCount > 0
}

// intervalCV returns stddev/mean of consecutive intervals.
func intervalCV(times []time.Time) (float64, bool) {
	if len(times) < 2 {
		return 0, false
	}
	intervals := make([]float64, 0, len(times)-1)
	var sum float64
	for i := 1; i < len(times); i++ {
		iv := float64(times[i].Sub(times[i-1]))
		if iv < 0 {
			iv = -iv
		}
		intervals = append(intervals, iv)
		sum += iv
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return 0, false
	}
	var variance float64
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	return math.Sqrt(variance) / mean, true
}
