package session

import (
	"reviewtrail/internal/surface"
)

// AuthProfile describes the login page of a platform.
type AuthProfile struct {
	EntryURL string `yaml:"entry_url"`
	// LoginPathPrefix is the path prefix of every page that means "not logged in".
	LoginPathPrefix string `yaml:"login_path_prefix"`

	Username surface.Locator `yaml:"username"`
	Password surface.Locator `yaml:"password"`
	Submit   surface.Locator `yaml:"submit"`

	ChallengePrompt surface.Locator `yaml:"challenge_prompt"`
	ChallengeField  surface.Locator `yaml:"challenge_field"`
	ChallengeSubmit surface.Locator `yaml:"challenge_submit"`

	// AuthenticatedMarker is only present once logged in.
	AuthenticatedMarker surface.Locator `yaml:"authenticated_marker"`

	RoleSwitch *RoleSwitch `yaml:"role_switch"`

	// Body is read during health checks, defaults to "body".
	Body        surface.Locator `yaml:"body"`
	DeadMarkers []string        `yaml:"dead_markers"`
}

type RoleSwitch struct {
	Open    surface.Locator `yaml:"open"`
	Select  surface.Locator `yaml:"select"`
	Confirm surface.Locator `yaml:"confirm"`
}

func (p AuthProfile) body() surface.Locator {
	if p.Body.IsZero() {
		return surface.Sel("body")
	}
	return p.Body
}
