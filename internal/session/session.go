// internal/session/session.go
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// State is a session's lifecycle position.
type State int

const (
	StateCreated State = iota
	StateAuthenticated
	StateActive
	StateIdle
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session wraps one automation context owned by a Pool. A caller borrows it
// through Acquire and must hand it back exactly once through Release.
type Session struct {
	id        string
	targetID  string
	profile   schemas.TargetProfile
	conn      schemas.BrowserConn
	createdAt time.Time

	mu         sync.Mutex
	state      State
	lastUsedAt time.Time

	borrowed atomic.Bool
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) TargetID() string               { return s.targetID }
func (s *Session) Profile() schemas.TargetProfile { return s.profile }
func (s *Session) Conn() schemas.BrowserConn      { return s.conn }
func (s *Session) CreatedAt() time.Time           { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUsedAt is when the session was last handed out or returned.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

func (s *Session) transition(to State, at time.Time) {
	s.mu.Lock()
	s.state = to
	if !at.IsZero() {
		s.lastUsedAt = at
	}
	s.mu.Unlock()
}

func (s *Session) age(now time.Time) time.Duration { return now.Sub(s.createdAt) }

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastUsedAt())
}
