package schemas

import (
	"context"
	"errors"
)

// ErrElementNotFound is returned by a BrowserConn when an expression matches
// no element on the live page.
var ErrElementNotFound = errors.New("element not found")

// -- Collaborator Interfaces --

// Discoverer finds a fresh locator for a role on a target. It is only called
// on a selector cache miss or a forced rediscovery.
type Discoverer interface {
	Discover(ctx context.Context, targetID, role string) (Locator, error)
}

// CaptchaSolver turns a challenge into a token that can be injected into the page.
type CaptchaSolver interface {
	Solve(ctx context.Context, challenge Challenge) (string, error)
}

// CredentialStore is an opaque key-value store of cookies per target. It is
// consulted when a session is created and written back on healthy release.
type CredentialStore interface {
	Load(ctx context.Context, targetID string) ([]Cookie, error)
	Save(ctx context.Context, targetID string, cookies []Cookie) error
	// Forget drops stored credentials so the next session starts unauthenticated.
	Forget(ctx context.Context, targetID string) error
}

// -- Browser Interfaces --

// BrowserDriver opens automation contexts (tabs) for a target.
type BrowserDriver interface {
	Open(ctx context.Context, profile TargetProfile) (BrowserConn, error)
}

// BrowserConn is one live automation context.
type BrowserConn interface {
	// Probe is a cheap liveness check.
	Probe(ctx context.Context) error
	ApplyCookies(ctx context.Context, cookies []Cookie) error
	ExportCookies(ctx context.Context) ([]Cookie, error)
	// Inspect reports CAPTCHA challenges or login walls declared by the profile.
	Inspect(ctx context.Context, profile TargetProfile) (PageCondition, error)
	// Locate waits briefly for the expression to resolve and returns ErrElementNotFound if it does not.
	Locate(ctx context.Context, expr Expression) error
	Fill(ctx context.Context, expr Expression, text string) error
	Click(ctx context.Context, expr Expression) error
	SubmitCaptchaToken(ctx context.Context, profile TargetProfile, token string) error
	// Tap starts capturing transport and DOM events. The tap must be started
	// before the triggering action so the observation window covers it.
	Tap(ctx context.Context, profile TargetProfile) (EventTap, error)
	Close(ctx context.Context) error
}

// EventTap streams raw events from a session until stopped.
type EventTap interface {
	Events() <-chan RawEvent
	// Stop ends capture and closes the events channel. Safe to call more than once.
	Stop()
}
