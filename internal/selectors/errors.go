// internal/selectors/errors.go
package selectors

import (
	"errors"
	"fmt"
)

// ErrMiss is matched by every MissError.
var ErrMiss = errors.New("selector cache miss")

// ErrUnknownLocator is returned when recording an outcome for a role that is not cached.
var ErrUnknownLocator = errors.New("no cached locator for role")

// MissReason explains why Resolve did not return a locator.
type MissReason string

const (
	MissAbsent   MissReason = "absent"
	MissExpired  MissReason = "expired"
	MissDegraded MissReason = "degraded"
)

// MissError is returned by Resolve. The orchestrator answers it with a
// discovery call.
type MissError struct {
	TargetID string
	Role     string
	Reason   MissReason
}

func (e *MissError) Error() string {
	return fmt.Sprintf("no usable locator for %s/%s: %s", e.TargetID, e.Role, e.Reason)
}

func (e *MissError) Is(target error) bool { return target == ErrMiss }

// IsMiss returns the MissError in err's chain, if any.
func IsMiss(err error) (*MissError, bool) {
	var m *MissError
	if errors.As(err, &m) {
		return m, true
	}
	return nil, false
}
