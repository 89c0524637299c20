package schemas

import (
	"time"
)

// -- Common Schemas --

// Intent names the role to interact with and the payload to submit.
type Intent struct {
	// Role is the locator role that receives the payload (usually RoleInput).
	Role string `json:"role"`
	// SubmitRole is the role clicked after filling. Empty means RoleSubmit.
	SubmitRole string `json:"submit_role,omitempty"`
	Payload    string `json:"payload"`
}

// Roles returns the roles an intent touches, input first.
func (i Intent) Roles() []string {
	role := i.Role
	if role == "" {
		role = RoleInput
	}
	submit := i.SubmitRole
	if submit == "" {
		submit = RoleSubmit
	}
	if submit == role {
		return []string{role}
	}
	return []string{role, submit}
}

// Cookie is the persisted form of a browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// Challenge describes a CAPTCHA found on the page.
type Challenge struct {
	TargetID string `json:"target_id"`
	PageURL  string `json:"page_url"`
	// SiteKey is read from the challenge widget when present.
	SiteKey string `json:"site_key,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// PageCondition is what an inspection of the live page found.
type PageCondition struct {
	Captcha      *Challenge
	AuthRequired bool
}

// TargetProfile is the static description of one automated target.
type TargetProfile struct {
	ID  string `mapstructure:"id" yaml:"id" json:"id"`
	URL string `mapstructure:"url" yaml:"url" json:"url"`
	// RequiredRoles feed the domain health calculation.
	RequiredRoles []string `mapstructure:"required_roles" yaml:"required_roles" json:"required_roles"`
	// ResponseRoot scopes DOM mutation capture (CSS selector).
	ResponseRoot string `mapstructure:"response_root" yaml:"response_root" json:"response_root"`
	// BusyIndicator is an optional CSS selector for a typing/busy indicator.
	BusyIndicator string `mapstructure:"busy_indicator" yaml:"busy_indicator" json:"busy_indicator,omitempty"`
	// CaptchaMarker and LoginMarker are CSS selectors whose presence signals a challenge or an auth wall.
	CaptchaMarker     string `mapstructure:"captcha_marker" yaml:"captcha_marker" json:"captcha_marker,omitempty"`
	CaptchaTokenField string `mapstructure:"captcha_token_field" yaml:"captcha_token_field" json:"captcha_token_field,omitempty"`
	LoginMarker       string `mapstructure:"login_marker" yaml:"login_marker" json:"login_marker,omitempty"`
	// PayloadField is a dot path into JSON stream payloads, e.g. "choices.0.delta.content".
	// Empty means payloads are plain text.
	PayloadField string `mapstructure:"payload_field" yaml:"payload_field" json:"payload_field,omitempty"`
	// CompletionField is a dot path to a boolean in polled snapshots that marks completion.
	CompletionField string `mapstructure:"completion_field" yaml:"completion_field" json:"completion_field,omitempty"`
	// Locators are candidate expressions per role, most specific first. The
	// heuristic discoverer offers them before its built-in candidates.
	Locators map[string][]Expression `mapstructure:"locators" yaml:"locators" json:"locators,omitempty"`
	// DoneSentinel overrides the configured completion token for SSE/socket payloads.
	DoneSentinel string `mapstructure:"done_sentinel" yaml:"done_sentinel" json:"done_sentinel,omitempty"`
}
