package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reviewtrail/internal/fault"
	"reviewtrail/internal/surface"
)

// login runs full login cycles until one succeeds or the attempts run out.
func (m *Manager) login(ctx context.Context, account Account) (*Session, error) {
	key := account.Key()
	m.loginCycles.Add(1)
	m.tel.ReportCount(report_manager_login_cycles, m.loginCycles.Load())

	creds, err := m.secrets.Load(ctx, account)
	if err != nil {
		return nil, m.markFailed(account, 0, fmt.Errorf("load credentials: %w", err))
	}

	var lastErr error
	for attempt := 1; attempt <= m.config.MaxLoginAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		surf, err := m.open(ctx, account)
		if err != nil {
			lastErr = fmt.Errorf("open surface: %w", err)
			m.tel.ReportWarning(report_manager_login, lastErr, key, attempt)
			continue
		}
		if m.config.ActionsPerSecond > 0 {
			surf = surface.NewLimited(surf, m.config.ActionsPerSecond, 2)
		}

		state, err := m.attempt(ctx, surf, account, creds)
		if err == nil {
			return m.register(account, surf), nil
		}

		closeErr := surf.Close()
		if closeErr != nil {
			m.tel.ReportWarning(report_manager_login, closeErr, key)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = fmt.Errorf("%s: %w", state, err)
		m.tel.ReportWarning(report_manager_login, lastErr, key, attempt)
	}

	return nil, m.markFailed(account, m.config.MaxLoginAttempts, lastErr)
}

func (m *Manager) markFailed(account Account, attempts int, err error) error {
	failure := &fault.AuthFailed{Account: account.Key(), Attempts: attempts, Err: err}
	m.mutex.Lock()
	m.failed[account.Key()] = failure
	m.mutex.Unlock()
	m.tel.ReportBroken(report_manager_login, failure, account.Key())
	return failure
}

func (m *Manager) register(account Account, surf surface.Surface) *Session {
	key := account.Key()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.generations[key]++
	s := &Session{
		Account:       account,
		Surface:       surf,
		Generation:    m.generations[key],
		lastKnownGood: m.time.Now(),
	}
	m.sessions[key] = s
	m.tel.ReportDebug("session authenticated", key, s.Generation)
	return s
}

func (m *Manager) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.StepTimeout)
	defer cancel()
	return fn(ctx)
}

func (m *Manager) act(ctx context.Context, surf surface.Surface, loc surface.Locator, action surface.Action) error {
	return m.step(ctx, func(ctx context.Context) error {
		return surf.Act(ctx, loc, action)
	})
}

// attempt runs one pass of the login state machine and returns the state it
// stopped in.
func (m *Manager) attempt(ctx context.Context, surf surface.Surface, account Account, creds Credentials) (State, error) {
	state := StateUnauthenticated

	err := m.step(ctx, func(ctx context.Context) error {
		return surf.Navigate(ctx, m.profile.EntryURL)
	})
	if err != nil {
		return state, fmt.Errorf("navigate to entry: %w", err)
	}
	err = m.act(ctx, surf, m.profile.Username, surface.Fill(creds.Username))
	if err != nil {
		return state, fmt.Errorf("fill username: %w", err)
	}
	err = m.act(ctx, surf, m.profile.Password, surface.Fill(creds.Password))
	if err != nil {
		return state, fmt.Errorf("fill password: %w", err)
	}

	// the challenge search window starts at the instant the credentials go out,
	// codes from earlier attempts must never be accepted.
	submittedAt := m.time.Now()
	err = m.act(ctx, surf, m.profile.Submit, surface.Click())
	if err != nil {
		return state, fmt.Errorf("submit credentials: %w", err)
	}
	state = StateCredentialsSubmitted

	challenged, err := m.awaitOutcome(ctx, surf)
	if err != nil {
		return state, err
	}

	if challenged {
		state = StateChallengePending
		if m.challenges == nil {
			return state, fmt.Errorf("challenge requested but no resolver is configured")
		}
		code, err := m.challenges.FetchCode(ctx, account, submittedAt, m.config.ChallengeTimeout)
		if err != nil {
			return state, fmt.Errorf("fetch challenge code: %w", err)
		}
		err = m.enterCode(ctx, surf, code)
		if err != nil {
			return state, err
		}
		err = m.act(ctx, surf, m.profile.ChallengeSubmit, surface.Click())
		if err != nil {
			return state, fmt.Errorf("submit challenge: %w", err)
		}
		challenged, err = m.awaitOutcome(ctx, surf)
		if err != nil {
			return state, err
		}
		if challenged {
			return state, fmt.Errorf("challenge code rejected: %w", errLoginRejected)
		}
	}

	if m.profile.RoleSwitch != nil && account.Role != "" {
		state = StateRoleSelection
		err = m.switchRole(ctx, surf, account.Role)
		if err != nil {
			return state, err
		}
		err = m.verify(ctx, surf)
		if err != nil {
			return state, err
		}
	}

	return StateAuthenticated, nil
}

// awaitOutcome polls until the surface shows either the challenge prompt or a
// verified login. It returns true when a challenge is pending.
func (m *Manager) awaitOutcome(ctx context.Context, surf surface.Surface) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.StepTimeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if !m.profile.ChallengePrompt.IsZero() {
			prompt, err := surf.Exists(ctx, m.profile.ChallengePrompt)
			if err == nil && prompt {
				return true, nil
			}
		}
		lastErr = m.verify(ctx, surf)
		if lastErr == nil {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("verify login: %w", lastErr)
		case <-ticker.C:
		}
	}
}

// verify checks the three independent signals of a successful login.
func (m *Manager) verify(ctx context.Context, surf surface.Surface) error {
	location, err := surf.Location(ctx)
	if err != nil {
		return err
	}
	if m.onLoginPage(location) {
		return fmt.Errorf("still on login page %s: %w", location, errLoginRejected)
	}

	if !m.profile.AuthenticatedMarker.IsZero() {
		found, err := surf.Exists(ctx, m.profile.AuthenticatedMarker)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("authenticated marker %s missing: %w", m.profile.AuthenticatedMarker, errLoginRejected)
		}
	}

	if !m.profile.ChallengeField.IsZero() {
		found, err := surf.Exists(ctx, m.profile.ChallengeField)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("challenge field still present: %w", errLoginRejected)
		}
	}
	return nil
}

var errCodeMismatch = errors.New("challenge code did not stick")

// enterCode fills the code and reads it back, falling back to typing it key
// by key when the fill was swallowed by the page.
func (m *Manager) enterCode(ctx context.Context, surf surface.Surface, code string) error {
	field := m.profile.ChallengeField

	err := m.act(ctx, surf, field, surface.Fill(code))
	if err != nil {
		return fmt.Errorf("fill challenge code: %w", err)
	}
	if m.codeEntered(ctx, surf, field, code) {
		return nil
	}

	err = m.act(ctx, surf, field, surface.Fill(""))
	if err != nil {
		return fmt.Errorf("clear challenge code: %w", err)
	}
	err = m.act(ctx, surf, field, surface.Type(code))
	if err != nil {
		return fmt.Errorf("type challenge code: %w", err)
	}
	if m.codeEntered(ctx, surf, field, code) {
		return nil
	}
	return errCodeMismatch
}

func (m *Manager) codeEntered(ctx context.Context, surf surface.Surface, field surface.Locator, code string) bool {
	var value string
	err := m.step(ctx, func(ctx context.Context) error {
		frag, err := surf.Read(ctx, field)
		value = frag.Value
		return err
	})
	return err == nil && value == code
}

func (m *Manager) switchRole(ctx context.Context, surf surface.Surface, role string) error {
	rs := m.profile.RoleSwitch
	if !rs.Open.IsZero() {
		err := m.act(ctx, surf, rs.Open, surface.Click())
		if err != nil {
			return fmt.Errorf("open role switch: %w", err)
		}
	}
	err := m.act(ctx, surf, rs.Select, surface.Select(role))
	if err != nil {
		return fmt.Errorf("select role %s: %w", role, err)
	}
	if !rs.Confirm.IsZero() {
		err = m.act(ctx, surf, rs.Confirm, surface.Click())
		if err != nil {
			return fmt.Errorf("confirm role: %w", err)
		}
	}
	return nil
}
