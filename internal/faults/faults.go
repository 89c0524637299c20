// Package faults defines the typed error categories surfaced by the resolver
// and the helpers used to classify wrapped errors.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category names a failure class. Each category owns one fallback chain.
type Category string

const (
	CategoryNetwork      Category = "network"
	CategorySelectorMiss Category = "selector-miss"
	CategoryStreamMiss   Category = "stream-miss"
	CategoryAuth         Category = "auth"
	CategoryCaptcha      Category = "captcha"
	// CategoryPoolExhausted has no chain; it is surfaced immediately.
	CategoryPoolExhausted Category = "pool-exhausted"
)

// Categories lists the categories that carry a fallback chain.
var Categories = []Category{
	CategoryNetwork,
	CategorySelectorMiss,
	CategoryStreamMiss,
	CategoryAuth,
	CategoryCaptcha,
}

// Categorized is implemented by every typed error in this package.
type Categorized interface {
	error
	Category() Category
}

// NetworkError covers timeouts and connection failures.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string      { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error      { return e.Err }
func (e *NetworkError) Category() Category { return CategoryNetwork }

// SelectorMissError means a locator was absent, stale, or did not resolve on the page.
type SelectorMissError struct {
	TargetID string
	Role     string
	Err      error
}

func (e *SelectorMissError) Error() string {
	return fmt.Sprintf("selector miss for %s/%s: %v", e.TargetID, e.Role, e.Err)
}
func (e *SelectorMissError) Unwrap() error      { return e.Err }
func (e *SelectorMissError) Category() Category { return CategorySelectorMiss }

// AuthError means credentials or the session expired.
type AuthError struct {
	TargetID string
	Err      error
}

func (e *AuthError) Error() string      { return fmt.Sprintf("auth error for %s: %v", e.TargetID, e.Err) }
func (e *AuthError) Unwrap() error      { return e.Err }
func (e *AuthError) Category() Category { return CategoryAuth }

// CaptchaError means a challenge blocked the interaction.
type CaptchaError struct {
	TargetID string
	Err      error
}

func (e *CaptchaError) Error() string      { return fmt.Sprintf("captcha on %s: %v", e.TargetID, e.Err) }
func (e *CaptchaError) Unwrap() error      { return e.Err }
func (e *CaptchaError) Category() Category { return CategoryCaptcha }

// StreamError means no response was detected or the response was malformed.
type StreamError struct {
	TargetID string
	Method   string
	Err      error
}

func (e *StreamError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("stream error for %s: %v", e.TargetID, e.Err)
	}
	return fmt.Sprintf("stream error for %s via %s: %v", e.TargetID, e.Method, e.Err)
}
func (e *StreamError) Unwrap() error      { return e.Err }
func (e *StreamError) Category() Category { return CategoryStreamMiss }

// ErrPoolExhausted is the sentinel wrapped by PoolExhaustedError.
var ErrPoolExhausted = errors.New("session pool exhausted")

// PoolExhaustedError is surfaced immediately and never retried by the resolver.
type PoolExhaustedError struct {
	TargetID   string
	RetryAfter time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("session pool exhausted for %s (retry after %s)", e.TargetID, e.RetryAfter)
}
func (e *PoolExhaustedError) Unwrap() error      { return ErrPoolExhausted }
func (e *PoolExhaustedError) Category() Category { return CategoryPoolExhausted }

// ErrChainExhausted is the sentinel wrapped by TerminalError.
var ErrChainExhausted = errors.New("fallback chain exhausted")

// TerminalError is the FailedTerminal outcome: a fallback chain ran out of
// budget. Origin is the category of the failure that started recovery.
// Exhausted is the chain that ran out, which differs from Origin when a
// recovery attempt failed in another category. Attempts counts that chain.
type TerminalError struct {
	Origin    Category
	Exhausted Category
	State     string
	Attempts  int
	Cause     error
}

func (e *TerminalError) Error() string {
	exhausted := e.Exhausted
	if exhausted == "" {
		exhausted = e.Origin
	}
	if exhausted != e.Origin {
		return fmt.Sprintf("resolution failed terminally in state %s: %s failure escalated to %s, chain exhausted after %d attempts: %v",
			e.State, e.Origin, exhausted, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("resolution failed terminally in state %s: %s chain exhausted after %d attempts: %v",
		e.State, e.Origin, e.Attempts, e.Cause)
}

// Unwrap exposes both the exhaustion sentinel and the last underlying failure.
func (e *TerminalError) Unwrap() []error { return []error{ErrChainExhausted, e.Cause} }
func (e *TerminalError) Category() Category { return e.Origin }

// CategoryOf returns the category of the outermost typed error in err's chain.
// Context cancellation is never categorised.
func CategoryOf(err error) (Category, bool) {
	if err == nil || errors.Is(err, context.Canceled) {
		return "", false
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category(), true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork, true
	}
	return "", false
}

// IsTerminal reports whether err is a FailedTerminal outcome.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}
