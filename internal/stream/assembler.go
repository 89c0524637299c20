// internal/stream/assembler.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/faults"
)

// ErrStopped is returned by an emit callback to end consumption early
// without an error being reported as a stream failure.
var ErrStopped = errors.New("consumer stopped")

// Job describes one consumption run.
type Job struct {
	Method  schemas.StreamMethod
	Profile schemas.TargetProfile
	// Endpoint restricts polling to one URL (without query). Empty accepts any.
	Endpoint string
	Events   <-chan schemas.RawEvent
	// Delivered is how many bytes of the assembled text a previous attempt
	// already handed to the caller. Those bytes are assembled but not emitted.
	Delivered int
}

// Assembler turns raw transport events into ordered text deltas.
type Assembler struct {
	cfg    config.AssemblerConfig
	logger *zap.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(cfg config.AssemblerConfig, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DoneSentinel == "" {
		cfg.DoneSentinel = "[DONE]"
	}
	return &Assembler{cfg: cfg, logger: logger.Named("assembler")}
}

// Consume reads events until the response completes, emitting deltas in
// order and a final Done delta. Event-stream and socket payloads are emitted
// as they arrive and end on the sentinel or a completion field. Polled
// snapshots are diffed against a length watermark. DOM text is coalesced and
// completes after a quiet period with the busy indicator gone.
//
// It returns a *faults.StreamError when no content arrives in time, the
// response times out, or the source ends before completion.
func (a *Assembler) Consume(ctx context.Context, job Job, emit func(schemas.TextDelta) error) error {
	r := &assembly{
		job:  job,
		emit: emit,
	}
	if job.Profile.DoneSentinel != "" {
		r.sentinel = job.Profile.DoneSentinel
	} else {
		r.sentinel = a.cfg.DoneSentinel
	}

	firstDelta := newTimer(a.cfg.FirstDeltaTimeout)
	defer firstDelta.Stop()
	overall := newTimer(a.cfg.ResponseTimeout)
	defer overall.Stop()
	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()
	coalesce := time.NewTimer(time.Hour)
	coalesce.Stop()
	defer coalesce.Stop()

	coalescing := false
	events := job.Events
	firstC := firstDelta.C

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-overall.C:
			return r.fail(fmt.Errorf("response did not complete within %s", a.cfg.ResponseTimeout))

		case <-firstC:
			return r.fail(fmt.Errorf("no response content within %s", a.cfg.FirstDeltaTimeout))

		case <-coalesce.C:
			coalescing = false
			if err := r.flushPending(); err != nil {
				return err
			}

		case <-quiet.C:
			if coalescing {
				coalesce.Stop()
				coalescing = false
			}
			if err := r.flushPending(); err != nil {
				return err
			}
			if r.quietComplete() {
				return r.finish()
			}

		case ev, ok := <-events:
			if !ok {
				return r.sourceClosed()
			}
			watermark, busy := r.watermark, r.busy
			done, err := r.handle(ev)
			if err != nil {
				return err
			}
			if done {
				return r.finish()
			}
			if r.pending.Len() > 0 && !coalescing {
				coalescing = true
				coalesce.Reset(a.coalesceWindow())
			}
			if r.usesQuietPeriod() && r.activity(ev, watermark, busy) {
				quiet.Reset(a.quietPeriod())
			}
		}

		if firstC != nil && r.total+r.pending.Len() > 0 {
			firstDelta.Stop()
			firstC = nil
		}
	}
}

func (a *Assembler) quietPeriod() time.Duration {
	if a.cfg.CompletionQuietPeriod > 0 {
		return a.cfg.CompletionQuietPeriod
	}
	return 800 * time.Millisecond
}

func (a *Assembler) coalesceWindow() time.Duration {
	if a.cfg.CoalesceWindow > 0 {
		return a.cfg.CoalesceWindow
	}
	return time.Millisecond
}

// newTimer returns a timer that never fires for non-positive durations.
func newTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTimer(d)
}

// assembly is the state of one Consume call.
type assembly struct {
	job      Job
	emit     func(schemas.TextDelta) error
	sentinel string

	seq   int
	total int // bytes assembled, including bytes suppressed by Delivered

	pending strings.Builder // DOM text awaiting coalescing

	watermark int // polling: longest snapshot seen
	busy      bool
	sawSource bool
}

func (r *assembly) fail(err error) error {
	return &faults.StreamError{TargetID: r.job.Profile.ID, Method: string(r.job.Method), Err: err}
}

func (r *assembly) usesQuietPeriod() bool {
	return r.job.Method == schemas.MethodDOMMutation || r.job.Method == schemas.MethodPollingXHR
}

// activity reports whether an already handled event restarts the quiet
// period. watermark and busy are the values from before the event. A poll
// only counts when it moved the watermark, so a client re-polling an
// unchanged snapshot still lets the response settle.
func (r *assembly) activity(ev schemas.RawEvent, watermark int, busy bool) bool {
	switch ev.Kind {
	case schemas.EventBusyIndicator:
		return r.busy != busy
	case schemas.EventDOMText:
		return r.job.Method == schemas.MethodDOMMutation
	case schemas.EventPollResponse:
		return r.job.Method == schemas.MethodPollingXHR && r.watermark != watermark
	}
	return false
}

func (r *assembly) quietComplete() bool {
	if r.total == 0 {
		return false
	}
	return !(r.job.Profile.BusyIndicator != "" && r.busy)
}

// handle applies one event. done reports that the response completed.
func (r *assembly) handle(ev schemas.RawEvent) (bool, error) {
	if ev.Kind == schemas.EventBusyIndicator {
		r.busy = ev.Busy
		return false, nil
	}

	switch r.job.Method {
	case schemas.MethodServerSentEvents:
		switch ev.Kind {
		case schemas.EventSSEMessage:
			r.sawSource = true
			return r.message(ev.Data)
		case schemas.EventStreamClosed:
			if !r.sawSource {
				return false, nil
			}
			if r.total == 0 {
				return false, r.fail(errors.New("event stream closed without content"))
			}
			return true, nil
		}

	case schemas.MethodSocket:
		if ev.Kind == schemas.EventSocketFrame {
			r.sawSource = true
			return r.message(ev.Data)
		}

	case schemas.MethodPollingXHR:
		if ev.Kind == schemas.EventPollResponse && r.acceptsEndpoint(ev.URL) {
			return r.snapshot(ev.Data)
		}

	case schemas.MethodDOMMutation:
		if ev.Kind == schemas.EventDOMText {
			r.pending.WriteString(ev.Data)
		}
	}
	return false, nil
}

func (r *assembly) acceptsEndpoint(url string) bool {
	return r.job.Endpoint == "" || endpointKey(url) == r.job.Endpoint
}

// message handles one event-stream or socket payload.
func (r *assembly) message(data string) (bool, error) {
	if strings.TrimSpace(data) == r.sentinel {
		return true, nil
	}
	p, ok := decodePayload(data, r.job.Profile.PayloadField, r.job.Profile.CompletionField)
	if !ok {
		// Keepalives and metadata frames carry no text field.
		return false, nil
	}
	if err := r.push(p.text); err != nil {
		return false, err
	}
	return p.complete, nil
}

// snapshot handles one full-state poll response. Only growth beyond the
// watermark is emitted, so duplicate and out-of-order polls are ignored.
func (r *assembly) snapshot(body string) (bool, error) {
	p, ok := decodePayload(body, r.job.Profile.PayloadField, r.job.Profile.CompletionField)
	if !ok {
		return false, nil
	}
	text := p.text
	if r.job.Profile.PayloadField == "" && looksLikeHTML(text) {
		text = htmlText(text)
	}
	if len(text) > r.watermark {
		if err := r.push(text[r.watermark:]); err != nil {
			return false, err
		}
		r.watermark = len(text)
	}
	return p.complete && r.total > 0, nil
}

func (r *assembly) flushPending() error {
	if r.pending.Len() == 0 {
		return nil
	}
	text := r.pending.String()
	r.pending.Reset()
	return r.push(text)
}

// push assembles text and emits whatever lies beyond the delivered watermark.
func (r *assembly) push(text string) error {
	if text == "" {
		return nil
	}
	before := r.total
	r.total += len(text)
	if r.total <= r.job.Delivered {
		return nil
	}
	if before < r.job.Delivered {
		text = text[r.job.Delivered-before:]
	}
	return r.send(schemas.TextDelta{Text: text})
}

func (r *assembly) send(d schemas.TextDelta) error {
	d.Seq = r.seq
	d.Method = r.job.Method
	r.seq++
	return r.emit(d)
}

func (r *assembly) finish() error {
	if err := r.flushPending(); err != nil {
		return err
	}
	return r.send(schemas.TextDelta{Done: true})
}

// sourceClosed handles the end of the event channel before completion was
// observed.
func (r *assembly) sourceClosed() error {
	if err := r.flushPending(); err != nil {
		return err
	}
	if r.total == 0 {
		return r.fail(errors.New("event source ended without content"))
	}
	return r.fail(fmt.Errorf("event source ended after %d bytes without completion", r.total))
}
