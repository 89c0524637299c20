// File: internal/resolver/targets.go
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// ErrUnknownTarget is returned for a target with no registered profile.
var ErrUnknownTarget = errors.New("unknown target")

// defaultRequiredRoles apply when a profile declares none.
var defaultRequiredRoles = []string{schemas.RoleInput, schemas.RoleSubmit}

// Targets is the registry of target profiles. IDs are case-insensitive.
type Targets struct {
	mu       sync.RWMutex
	profiles map[string]schemas.TargetProfile
}

// NewTargets builds a registry from configured profiles keyed by ID.
func NewTargets(profiles map[string]schemas.TargetProfile) (*Targets, error) {
	t := &Targets{profiles: make(map[string]schemas.TargetProfile, len(profiles))}
	for id, p := range profiles {
		if p.ID == "" {
			p.ID = id
		}
		if err := t.Register(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register adds or replaces a profile.
func (t *Targets) Register(p schemas.TargetProfile) error {
	if p.ID == "" {
		return errors.New("target profile has no id")
	}
	if p.URL == "" {
		return fmt.Errorf("target %s has no url", p.ID)
	}
	p.ID = strings.ToLower(p.ID)
	if len(p.RequiredRoles) == 0 {
		p.RequiredRoles = append([]string(nil), defaultRequiredRoles...)
	}
	t.mu.Lock()
	t.profiles[p.ID] = p
	t.mu.Unlock()
	return nil
}

// Get returns the profile for id.
func (t *Targets) Get(id string) (schemas.TargetProfile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[strings.ToLower(id)]
	return p, ok
}

// RequiredRoles returns the roles that make up a target's health. It is
// the hook the selector store uses for eviction decisions.
func (t *Targets) RequiredRoles(id string) []string {
	if p, ok := t.Get(id); ok {
		return p.RequiredRoles
	}
	return defaultRequiredRoles
}

// IDs lists registered targets in order.
func (t *Targets) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.profiles))
	for id := range t.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
