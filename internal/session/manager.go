package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/chrono"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/surface"

	"golang.org/x/sync/singleflight"
)

const (
	report_manager_login        = "manager.login"
	report_manager_login_cycles = "manager.login-cycles"
	report_manager_health_check = "manager.health-check"
	report_manager_invalidate   = "manager.invalidate"
	report_manager_recover      = "manager.recover"
)

type Config struct {
	MaxLoginAttempts int
	ChallengeTimeout time.Duration
	// StepTimeout bounds each individual remote call made while logging in.
	StepTimeout time.Duration
	// PollInterval is how often the login outcome is checked after submitting.
	PollInterval time.Duration
	// ActionsPerSecond throttles every surface opened by the manager, 0 disables it.
	ActionsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = 3
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 2 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Manager owns at most one live session per account of one platform.
type Manager struct {
	profile    AuthProfile
	secrets    SecretStore
	challenges ChallengeResolver
	open       SurfaceFactory
	time       chrono.TimeAPI
	tel        telemetry.API
	config     Config

	mutex       sync.Mutex
	sessions    map[string]*Session
	generations map[string]int64
	failed      map[string]error

	group       singleflight.Group
	loginCycles atomic.Int64
}

func NewManager(
	profile AuthProfile,
	secrets SecretStore,
	challenges ChallengeResolver,
	open SurfaceFactory,
	timeAPI chrono.TimeAPI,
	tel telemetry.API,
	config Config,
) *Manager {
	assert.NotEmptyStr(profile.EntryURL)
	assert.NotNil(secrets)
	assert.NotNil(open)
	assert.NotNil(timeAPI)
	assert.NotNil(tel)

	return &Manager{
		profile:     profile,
		secrets:     secrets,
		challenges:  challenges,
		open:        open,
		time:        timeAPI,
		tel:         telemetry.NewScopedAPI("session", tel),
		config:      config.withDefaults(),
		sessions:    map[string]*Session{},
		generations: map[string]int64{},
		failed:      map[string]error{},
	}
}

// LoginCycles is the number of full login cycles started so far.
func (m *Manager) LoginCycles() int64 {
	return m.loginCycles.Load()
}

// Acquire returns the live session of account, logging in when there is none.
// Once an account has failed authentication it is not retried again.
func (m *Manager) Acquire(ctx context.Context, account Account) (*Session, error) {
	key := account.Key()

	m.mutex.Lock()
	if err, failed := m.failed[key]; failed {
		m.mutex.Unlock()
		return nil, err
	}
	if s, ok := m.sessions[key]; ok {
		m.mutex.Unlock()
		return s, nil
	}
	m.mutex.Unlock()

	result, err, _ := m.group.Do(key, func() (any, error) {
		m.mutex.Lock()
		if s, ok := m.sessions[key]; ok {
			m.mutex.Unlock()
			return s, nil
		}
		m.mutex.Unlock()
		return m.login(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

// Invalidate discards s, closing its surface. It is a no-op when s is no
// longer the live session of its account.
func (m *Manager) Invalidate(s *Session) {
	key := s.Account.Key()

	m.mutex.Lock()
	current, ok := m.sessions[key]
	if ok && current == s {
		delete(m.sessions, key)
	}
	m.mutex.Unlock()

	if !ok || current != s {
		return
	}
	err := s.Surface.Close()
	if err != nil {
		m.tel.ReportWarning(report_manager_invalidate, err, key)
	}
	m.tel.ReportDebug("session invalidated", key, s.Generation)
}

// Recover replaces a dead session. Callers that still hold an older
// generation get the current session without another login.
func (m *Manager) Recover(ctx context.Context, stale *Session) (*Session, error) {
	key := stale.Account.Key()

	m.mutex.Lock()
	current, ok := m.sessions[key]
	m.mutex.Unlock()

	if ok && current != stale {
		return current, nil
	}
	if ok {
		m.tel.ReportWarning(report_manager_recover, key, stale.Generation)
		m.Invalidate(stale)
	}
	return m.Acquire(ctx, stale.Account)
}

// EnsureHealthy returns s when it passes a health check and a recovered
// session otherwise.
func (m *Manager) EnsureHealthy(ctx context.Context, s *Session) (*Session, error) {
	if m.HealthCheck(ctx, s) {
		return s, nil
	}
	return m.Recover(ctx, s)
}

func (m *Manager) onLoginPage(location string) bool {
	if m.profile.LoginPathPrefix == "" {
		return false
	}
	path := location
	parsed, err := url.Parse(location)
	if err == nil && parsed.Path != "" {
		path = parsed.Path
	}
	return strings.HasPrefix(path, m.profile.LoginPathPrefix)
}

func (m *Manager) containsDeadMarker(text string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, marker := range m.profile.DeadMarkers {
		if marker != "" && strings.Contains(lowered, strings.ToLower(marker)) {
			return marker, true
		}
	}
	return "", false
}

// HealthCheck reports whether s still looks authenticated: it is not on the
// login page and shows none of the dead session markers.
func (m *Manager) HealthCheck(ctx context.Context, s *Session) bool {
	ctx, cancel := context.WithTimeout(ctx, m.config.StepTimeout)
	defer cancel()

	healthy, reason := m.probe(ctx, s.Surface)
	s.recordHealthCheck(healthy, m.time.Now())
	if !healthy {
		m.tel.ReportWarning(report_manager_health_check, s.Account.Key(), s.Generation, reason)
	}
	return healthy
}

func (m *Manager) probe(ctx context.Context, surf surface.Surface) (bool, string) {
	location, err := surf.Location(ctx)
	if err != nil {
		return false, fmt.Sprintf("location: %v", err)
	}
	if m.onLoginPage(location) {
		return false, fmt.Sprintf("redirected to %s", location)
	}

	body, err := surf.Read(ctx, m.profile.body())
	if err != nil {
		if m.profile.AuthenticatedMarker.IsZero() {
			return false, fmt.Sprintf("read body: %v", err)
		}
		found, markerErr := surf.Exists(ctx, m.profile.AuthenticatedMarker)
		if markerErr != nil || !found {
			return false, fmt.Sprintf("read body: %v", err)
		}
		return true, ""
	}
	if marker, dead := m.containsDeadMarker(body.Text); dead {
		return false, fmt.Sprintf("dead marker %q", marker)
	}
	return true, ""
}

// DeadError turns a failed health check into an error for the resilience policy.
func DeadError(s *Session) error {
	return &fault.SessionDead{Reason: fmt.Sprintf("%s generation %d failed health check", s.Account.Key(), s.Generation)}
}

var errLoginRejected = errors.New("login not confirmed")
