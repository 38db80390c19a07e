package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reviewtrail/internal/components/telemetry/telemetrytest"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/session"

	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mutex      sync.Mutex
	healthy    bool
	recoveries int
	calls      int
	recoverErr error
	current    *session.Session
}

func (f *fakeSessions) HealthCheck(ctx context.Context, s *session.Session) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.healthy
}

// Recover replaces stale unless it was already replaced, in which case the
// current session is handed out.
func (f *fakeSessions) Recover(ctx context.Context, stale *session.Session) (*session.Session, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	if f.recoverErr != nil {
		return nil, f.recoverErr
	}
	if f.current != stale {
		return f.current, nil
	}
	f.recoveries++
	f.current = &session.Session{Account: stale.Account, Generation: stale.Generation + 1}
	f.healthy = true
	return f.current, nil
}

func newRunner(t *testing.T) (*Runner, *fakeSessions, *telemetrytest.Recorder) {
	t.Helper()
	initial := &session.Session{Account: session.Account{Platform: "ms", ID: "editor"}, Generation: 1}
	sessions := &fakeSessions{healthy: true, current: initial}
	tel := &telemetrytest.Recorder{}
	r := NewRunner(Policy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}, sessions, initial, tel)
	return r, sessions, tel
}

var step = Step{Platform: "ms", Category: "Awaiting Decision", ItemID: "MS-1", Name: "extract-field"}

func TestTransientRetriedUntilSuccess(t *testing.T) {
	r, _, tel := newRunner(t)

	calls := 0
	outcome, err := r.Do(context.Background(), step, func(ctx context.Context, attempt Attempt) error {
		calls++
		if calls <= 2 {
			return fmt.Errorf("read: %w", fault.ErrStale)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Retries)
	require.Equal(t, 3, outcome.Attempts)
	require.Len(t, tel.Find(telemetrytest.KindWarning, report_runner_retry), 2)
}

func TestTransientExhausted(t *testing.T) {
	r, _, _ := newRunner(t)

	outcome, err := r.Do(context.Background(), step, func(ctx context.Context, attempt Attempt) error {
		return fault.ErrUnavailable
	})
	var itemFailed *fault.ItemExtractionFailed
	require.ErrorAs(t, err, &itemFailed)
	require.Equal(t, "MS-1", itemFailed.ItemID)
	require.Equal(t, "extract-field", itemFailed.Step)
	require.ErrorIs(t, err, fault.ErrUnavailable)
	require.Equal(t, 3, outcome.Attempts)
	require.Equal(t, 2, outcome.Retries)
}

func TestPermanentFailsImmediately(t *testing.T) {
	r, _, _ := newRunner(t)

	outcome, err := r.Do(context.Background(), step, func(ctx context.Context, attempt Attempt) error {
		return fmt.Errorf("reviewer table: %w", fault.ErrMalformed)
	})
	var itemFailed *fault.ItemExtractionFailed
	require.ErrorAs(t, err, &itemFailed)
	require.Equal(t, 1, outcome.Attempts)
}

func TestSessionDeadRecoversAndResumes(t *testing.T) {
	r, sessions, _ := newRunner(t)

	var seen []Attempt
	outcome, err := r.Do(context.Background(), step, func(ctx context.Context, attempt Attempt) error {
		seen = append(seen, attempt)
		if attempt.Session.Generation == 1 {
			return &fault.SessionDead{Reason: "bounced to login"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Recoveries)
	require.Equal(t, 1, sessions.recoveries)
	require.Len(t, seen, 2)
	require.False(t, seen[0].Recovered)
	require.True(t, seen[1].Recovered)
	require.Equal(t, int64(2), r.Session().Generation)
}

func TestUnhealthyTransientRecovers(t *testing.T) {
	r, sessions, _ := newRunner(t)
	sessions.healthy = false

	calls := 0
	outcome, err := r.Do(context.Background(), step, func(ctx context.Context, attempt Attempt) error {
		calls++
		if calls == 1 {
			return fault.ErrStale
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Recoveries)
	require.Equal(t, 0, outcome.Retries)
}

func TestRepeatedTimeoutsEscalate(t *testing.T) {
	r, sessions, tel := newRunner(t)
	timeout := fmt.Errorf("navigate: %w", context.DeadlineExceeded)

	// three timeouts exhaust the first step
	_, err := r.Do(context.Background(), step, func(ctx context.Context, attempt Attempt) error {
		return timeout
	})
	var itemFailed *fault.ItemExtractionFailed
	require.ErrorAs(t, err, &itemFailed)
	require.Equal(t, 0, sessions.recoveries)

	// the fourth consecutive timeout on the same session escalates
	next := Step{Platform: "ms", Category: "Awaiting Decision", ItemID: "MS-2", Name: "extract-field"}
	outcome, err := r.Do(context.Background(), next, func(ctx context.Context, attempt Attempt) error {
		if attempt.Recovered {
			return nil
		}
		return timeout
	})
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Recoveries)
	require.Equal(t, 1, sessions.recoveries)
	require.Len(t, tel.Find(telemetrytest.KindWarning, report_runner_escalate), 1)
}

func TestStaleDeadSignalsShareOneRecovery(t *testing.T) {
	r, sessions, _ := newRunner(t)
	stale := r.Session()

	// every step sees the stale session fail before any of them recovers.
	var observed sync.WaitGroup
	observed.Add(3)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	generations := make([]int64, 3)
	for i, id := range []string{"MS-1", "MS-2", "MS-3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Do(context.Background(), Step{Platform: "ms", ItemID: id, Name: "open-item"}, func(ctx context.Context, attempt Attempt) error {
				if attempt.Session == stale {
					observed.Done()
					observed.Wait()
					return &fault.SessionDead{Reason: "expired"}
				}
				generations[i] = attempt.Session.Generation
				return nil
			})
		}()
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Equal(t, int64(2), generations[i])
	}
	require.Equal(t, 3, sessions.calls)
	require.Equal(t, 1, sessions.recoveries)
	require.Equal(t, int64(2), r.Session().Generation)
}

func TestRecoverFailurePropagates(t *testing.T) {
	r, sessions, _ := newRunner(t)
	sessions.recoverErr = &fault.AuthFailed{Account: "ms/editor", Attempts: 3, Err: errors.New("locked")}

	_, err := r.Do(context.Background(), step, func(ctx context.Context, attempt Attempt) error {
		return &fault.SessionDead{Reason: "expired"}
	})
	var authFailed *fault.AuthFailed
	require.ErrorAs(t, err, &authFailed)
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 400*time.Millisecond, p.Backoff(3))
	require.Equal(t, time.Second, p.Backoff(10))
}
