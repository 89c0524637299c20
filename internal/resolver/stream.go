// File: internal/resolver/stream.go
package resolver

import (
	"context"
	"strings"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// Stream is the caller's view of one resolution: an ordered sequence of
// deltas ending with a Done delta on success, then the final error.
//
// The caller must drain Deltas or cancel the resolution context; the
// resolution blocks while a delta is waiting to be read.
type Stream struct {
	id     string
	target string
	deltas chan schemas.TextDelta
	done   chan struct{}
	err    error
}

func newStream(id, target string) *Stream {
	return &Stream{
		id:     id,
		target: target,
		deltas: make(chan schemas.TextDelta),
		done:   make(chan struct{}),
	}
}

// ID identifies the resolution in logs.
func (s *Stream) ID() string { return s.id }

// TargetID is the resolved target.
func (s *Stream) TargetID() string { return s.target }

// Deltas is closed when the resolution ends.
func (s *Stream) Deltas() <-chan schemas.TextDelta { return s.deltas }

// Wait blocks until the resolution ends and returns its error. A
// *faults.TerminalError means a fallback chain was exhausted.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// Collect drains the stream and returns the assembled text.
func (s *Stream) Collect(ctx context.Context) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case d, ok := <-s.deltas:
			if !ok {
				return b.String(), s.Wait()
			}
			b.WriteString(d.Text)
		}
	}
}

// finish records the outcome and closes the delta channel.
func (s *Stream) finish(err error) {
	s.err = err
	close(s.deltas)
	close(s.done)
}
