package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reviewtrail/internal/surface"
)

type Account struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
	// Email is the mailbox the platform sends challenge codes to.
	Email string `json:"email"`
	// Role is selected after login when the platform supports several roles.
	Role string `json:"role"`
}

func (a Account) Key() string {
	return fmt.Sprintf("%s/%s", a.Platform, a.ID)
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SecretStore provides the credentials of an account, they are loaded once
// per login cycle and never persisted elsewhere.
type SecretStore interface {
	Load(ctx context.Context, account Account) (Credentials, error)
}

// ErrCodeNotFound is returned by a ChallengeResolver when no matching code
// arrived within the timeout.
var ErrCodeNotFound = errors.New("challenge code not found")

// ChallengeResolver retrieves a one time code delivered out of band. Only
// messages received at or after `after` may be considered.
type ChallengeResolver interface {
	FetchCode(ctx context.Context, account Account, after time.Time, timeout time.Duration) (string, error)
}

// SurfaceFactory opens a fresh remote surface for an account.
type SurfaceFactory func(ctx context.Context, account Account) (surface.Surface, error)

type State int

const (
	StateUnauthenticated State = iota
	StateCredentialsSubmitted
	StateChallengePending
	StateRoleSelection
	StateAuthenticated
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateCredentialsSubmitted:
		return "credentials-submitted"
	case StateChallengePending:
		return "challenge-pending"
	case StateRoleSelection:
		return "role-selection"
	case StateAuthenticated:
		return "authenticated"
	case StateAuthFailed:
		return "auth-failed"
	}
	return "unknown"
}

// Session is an authenticated surface owned by exactly one worker.
type Session struct {
	Account Account
	Surface surface.Surface
	// Generation increases every time the account re-authenticates.
	Generation int64

	mutex         sync.Mutex
	lastKnownGood time.Time
	healthChecks  int64
}

func (s *Session) LastKnownGood() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastKnownGood
}

func (s *Session) HealthChecks() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.healthChecks
}

func (s *Session) recordHealthCheck(healthy bool, at time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.healthChecks++
	if healthy {
		s.lastKnownGood = at
	}
}
