// File: internal/resolver/state.go
package resolver

import "fmt"

// State is a resolution's position in the orchestrator state machine.
type State int

const (
	StateIdle State = iota
	StateSessionAcquired
	StateSelectorsResolved
	StateInteracting
	StateStreamDetected
	StateStreaming
	StateCompleted
	StateFailedTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSessionAcquired:
		return "SessionAcquired"
	case StateSelectorsResolved:
		return "SelectorsResolved"
	case StateInteracting:
		return "Interacting"
	case StateStreamDetected:
		return "StreamDetected"
	case StateStreaming:
		return "Streaming"
	case StateCompleted:
		return "Completed"
	case StateFailedTerminal:
		return "FailedTerminal"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
