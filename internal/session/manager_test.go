package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reviewtrail/internal/components/chrono"
	"reviewtrail/internal/components/telemetry/telemetrytest"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/surface"
	"reviewtrail/internal/surface/surfacetest"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testProfile = AuthProfile{
	EntryURL:            "/login",
	LoginPathPrefix:     "/login",
	Username:            surface.Sel("#username"),
	Password:            surface.Sel("#password"),
	Submit:              surface.Sel("#submit"),
	ChallengePrompt:     surface.Sel("#code-prompt"),
	ChallengeField:      surface.Sel("#code"),
	ChallengeSubmit:     surface.Sel("#verify"),
	AuthenticatedMarker: surface.Sel("#logout"),
	DeadMarkers:         []string{"session has expired"},
}

type staticSecrets map[string]Credentials

func (s staticSecrets) Load(ctx context.Context, account Account) (Credentials, error) {
	creds, ok := s[account.Key()]
	if !ok {
		return Credentials{}, errors.New("no credentials")
	}
	return creds, nil
}

type issuedCode struct {
	at   time.Time
	code string
}

// mailbox hands out the oldest code issued at or after the requested instant.
type mailbox struct {
	mutex      sync.Mutex
	codes      []issuedCode
	afters     []time.Time
	failFirstN int
}

func (m *mailbox) FetchCode(ctx context.Context, account Account, after time.Time, timeout time.Duration) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.afters = append(m.afters, after)
	if m.failFirstN > 0 {
		m.failFirstN--
		return "", ErrCodeNotFound
	}
	for _, c := range m.codes {
		if !c.at.Before(after) {
			return c.code, nil
		}
	}
	return "", ErrCodeNotFound
}

type site struct {
	fake     *surfacetest.Fake
	clock    *chrono.FakeTime
	mail     *mailbox
	home     *surfacetest.Page
	code     *surfacetest.Element
	expected string
	issued   int
}

func newSite(t *testing.T, password string) *site {
	t.Helper()

	s := &site{
		fake:  surfacetest.New(),
		clock: chrono.NewFakeTime(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		mail:  &mailbox{},
		code:  &surfacetest.Element{},
	}

	username := &surfacetest.Element{}
	passwordEl := &surfacetest.Element{}
	s.fake.AddPage(surfacetest.NewPage("/login").
		Set("#username", username).
		Set("#password", passwordEl).
		Set("#submit", &surfacetest.Element{}).
		Set("body", &surfacetest.Element{Text: "Please sign in"}))
	s.fake.AddPage(surfacetest.NewPage("/login/challenge").
		Set("#code-prompt", &surfacetest.Element{Text: "Enter the code we sent you"}).
		Set("#code", s.code).
		Set("#verify", &surfacetest.Element{}))
	s.home = s.fake.AddPage(surfacetest.NewPage("/home").
		Set("#logout", &surfacetest.Element{Text: "Log out"}).
		Set("body", &surfacetest.Element{Text: "Manuscripts awaiting decision"}))

	s.fake.OnAct("#username", func(f *surfacetest.Fake, _ surface.Action) error {
		s.clock.Advance(time.Minute)
		return nil
	})
	s.fake.OnAct("#submit", func(f *surfacetest.Fake, _ surface.Action) error {
		if username.Value != "editor" || passwordEl.Value != password {
			return nil
		}
		s.issued++
		s.expected = fmt.Sprintf("%06d", s.issued)
		s.mail.mutex.Lock()
		s.mail.codes = append(s.mail.codes, issuedCode{at: s.clock.Now().Add(5 * time.Second), code: s.expected})
		s.mail.mutex.Unlock()
		return f.Goto("/login/challenge")
	})
	s.fake.OnAct("#verify", func(f *surfacetest.Fake, _ surface.Action) error {
		if s.code.Value == s.expected {
			return f.Goto("/home")
		}
		return nil
	})
	return s
}

func (s *site) manager(tel *telemetrytest.Recorder) *Manager {
	open := func(ctx context.Context, account Account) (surface.Surface, error) {
		return s.fake, nil
	}
	return NewManager(
		testProfile,
		staticSecrets{"ms/editor": {Username: "editor", Password: "secret"}},
		s.mail,
		open,
		s.clock,
		tel,
		Config{
			MaxLoginAttempts: 3,
			ChallengeTimeout: time.Second,
			StepTimeout:      100 * time.Millisecond,
			PollInterval:     time.Millisecond,
		},
	)
}

var editor = Account{Platform: "ms", ID: "editor", Email: "editor@journal.test"}

func TestAcquireWithChallenge(t *testing.T) {
	s := newSite(t, "secret")
	m := s.manager(&telemetrytest.Recorder{})

	sess, err := m.Acquire(context.Background(), editor)
	require.NoError(t, err)
	require.Equal(t, int64(1), sess.Generation)
	require.Equal(t, int64(1), m.LoginCycles())

	location, err := sess.Surface.Location(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/home", location)

	again, err := m.Acquire(context.Background(), editor)
	require.NoError(t, err)
	require.Same(t, sess, again)
}

func TestChallengeWindowStartsAtSubmission(t *testing.T) {
	s := newSite(t, "secret")
	s.mail.failFirstN = 1
	start := s.clock.Now()
	m := s.manager(&telemetrytest.Recorder{})

	_, err := m.Acquire(context.Background(), editor)
	require.NoError(t, err)

	// the username fill advances the clock by a minute in every attempt, the
	// window must start at the submission of that attempt.
	require.Equal(t, []time.Time{start.Add(time.Minute), start.Add(2 * time.Minute)}, s.mail.afters)
	// the first attempt's code is older than the second submission and must
	// not have been used.
	require.Equal(t, "000002", s.code.Value)
}

func TestChallengeCodeTypedWhenFillIsSwallowed(t *testing.T) {
	s := newSite(t, "secret")
	s.code.IgnoreFill = true
	m := s.manager(&telemetrytest.Recorder{})

	_, err := m.Acquire(context.Background(), editor)
	require.NoError(t, err)
	require.Contains(t, s.fake.Calls(), "act #code type")
}

func TestAuthFailedAfterMaxAttempts(t *testing.T) {
	s := newSite(t, "another password")
	tel := &telemetrytest.Recorder{}
	m := s.manager(tel)

	_, err := m.Acquire(context.Background(), editor)
	var authFailed *fault.AuthFailed
	require.ErrorAs(t, err, &authFailed)
	require.Equal(t, 3, authFailed.Attempts)
	require.Len(t, tel.Find(telemetrytest.KindWarning, report_manager_login), 3)
	require.Len(t, tel.Find(telemetrytest.KindBroken, report_manager_login), 1)

	_, err = m.Acquire(context.Background(), editor)
	require.ErrorAs(t, err, &authFailed)
	require.Equal(t, int64(1), m.LoginCycles())
}

func TestHealthCheck(t *testing.T) {
	s := newSite(t, "secret")
	m := s.manager(&telemetrytest.Recorder{})

	sess, err := m.Acquire(context.Background(), editor)
	require.NoError(t, err)

	require.True(t, m.HealthCheck(context.Background(), sess))
	require.Equal(t, int64(1), sess.HealthChecks())

	s.home.Set("body", &surfacetest.Element{Text: "Your session has expired, please log in again."})
	require.False(t, m.HealthCheck(context.Background(), sess))
	require.Equal(t, int64(2), sess.HealthChecks())

	s.home.Set("body", &surfacetest.Element{Text: "Manuscripts"})
	require.NoError(t, s.fake.Goto("/login"))
	require.False(t, m.HealthCheck(context.Background(), sess))
}

func TestRecoverSharesOneLogin(t *testing.T) {
	s := newSite(t, "secret")
	m := s.manager(&telemetrytest.Recorder{})

	stale, err := m.Acquire(context.Background(), editor)
	require.NoError(t, err)

	var recovered []*Session
	for range 3 {
		sess, err := m.Recover(context.Background(), stale)
		require.NoError(t, err)
		recovered = append(recovered, sess)
	}

	require.Equal(t, int64(2), m.LoginCycles())
	require.Equal(t, int64(2), recovered[0].Generation)
	require.Same(t, recovered[0], recovered[1])
	require.Same(t, recovered[0], recovered[2])
}

func TestEnsureHealthyRecoversDeadSession(t *testing.T) {
	s := newSite(t, "secret")
	m := s.manager(&telemetrytest.Recorder{})

	sess, err := m.Acquire(context.Background(), editor)
	require.NoError(t, err)

	require.NoError(t, s.fake.Goto("/login"))
	fresh, err := m.EnsureHealthy(context.Background(), sess)
	require.NoError(t, err)
	require.NotSame(t, sess, fresh)
	require.Equal(t, int64(2), fresh.Generation)

	same, err := m.EnsureHealthy(context.Background(), fresh)
	require.NoError(t, err)
	require.Same(t, fresh, same)
}

func TestConcurrentAcquireSharesLogin(t *testing.T) {
	s := newSite(t, "secret")
	m := s.manager(&telemetrytest.Recorder{})

	var wg sync.WaitGroup
	sessions := make([]*Session, 4)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := m.Acquire(context.Background(), editor)
			if err == nil {
				sessions[i] = sess
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), m.LoginCycles())
	for _, sess := range sessions {
		require.Same(t, sessions[0], sess)
	}
}
