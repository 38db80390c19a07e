// Package resilience wraps every remote interaction of a worker in a retry,
// recovery and give-up policy.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_runner_retry    = "runner.retry"
	report_runner_recover  = "runner.recover"
	report_runner_give_up  = "runner.give-up"
	report_runner_escalate = "runner.escalate"
)

var tracer = otel.Tracer("reviewtrail/resilience")

type Policy struct {
	// MaxAttempts bounds the attempts of a step that keeps failing transiently.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// TimeoutEscalation is the number of consecutive timeouts on one session
	// after which the session is treated as dead.
	TimeoutEscalation int
	// MaxRecoveries bounds the re-authentications within a single step.
	MaxRecoveries int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		TimeoutEscalation: 4,
		MaxRecoveries:     2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.TimeoutEscalation <= 0 {
		p.TimeoutEscalation = d.TimeoutEscalation
	}
	if p.MaxRecoveries <= 0 {
		p.MaxRecoveries = d.MaxRecoveries
	}
	return p
}

// Backoff is the delay before the retry following the given failed attempt.
func (p Policy) Backoff(failedAttempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < failedAttempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// Step identifies a unit of remote work in reports.
type Step struct {
	Platform string
	Category string
	ItemID   string
	Name     string
}

func (s Step) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.Platform, s.Category, s.ItemID, s.Name)
}

// Attempt is passed to every invocation of a step.
type Attempt struct {
	Session *session.Session
	Number  int
	// Recovered is set once the session was replaced while running this step,
	// the step has to re-establish its position on the new surface.
	Recovered bool
}

type Outcome struct {
	Attempts   int
	Retries    int
	Recoveries int
}

// Sessions is the part of the session manager the runner depends on.
type Sessions interface {
	HealthCheck(ctx context.Context, s *session.Session) bool
	Recover(ctx context.Context, stale *session.Session) (*session.Session, error)
}

// Runner applies a Policy to the steps of one worker, it owns the worker's
// current session.
type Runner struct {
	policy   Policy
	sessions Sessions
	tel      telemetry.API
	sleep    func(ctx context.Context, d time.Duration) error

	mutex    sync.Mutex
	current  *session.Session
	timeouts int
}

func NewRunner(policy Policy, sessions Sessions, initial *session.Session, tel telemetry.API) *Runner {
	assert.NotNil(sessions)
	assert.NotNil(initial)
	assert.NotNil(tel)

	return &Runner{
		policy:   policy.withDefaults(),
		sessions: sessions,
		tel:      telemetry.NewScopedAPI("resilience", tel),
		sleep:    sleepContext,
		current:  initial,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Session is the worker's current session.
func (r *Runner) Session() *session.Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.current
}

func (r *Runner) setSession(s *session.Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.current = s
	r.timeouts = 0
}

// noteTimeout records the outcome of an attempt and reports whether the
// consecutive timeout threshold was reached.
func (r *Runner) noteTimeout(timedOut bool) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !timedOut {
		r.timeouts = 0
		return false
	}
	r.timeouts++
	if r.timeouts >= r.policy.TimeoutEscalation {
		r.timeouts = 0
		return true
	}
	return false
}

// Do runs fn until it succeeds, fails permanently or exhausts the policy.
// Exhausted and permanent failures are returned as *fault.ItemExtractionFailed,
// a failed recovery is returned as is.
func (r *Runner) Do(ctx context.Context, step Step, fn func(ctx context.Context, attempt Attempt) error) (Outcome, error) {
	var outcome Outcome
	transientFailures := 0
	recovered := false

	for {
		outcome.Attempts++
		attempt := Attempt{
			Session:   r.Session(),
			Number:    outcome.Attempts,
			Recovered: recovered,
		}
		err := r.invoke(ctx, step, fn, attempt)
		if err == nil {
			r.noteTimeout(false)
			return outcome, nil
		}
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}

		class := fault.Classify(err)
		if r.noteTimeout(class == fault.ClassTransient && fault.IsTimeout(err)) {
			r.tel.ReportWarning(report_runner_escalate, step.String(), err)
			class = fault.ClassSessionDead
		}

		if class == fault.ClassTransient {
			transientFailures++
			if transientFailures >= r.policy.MaxAttempts {
				return outcome, r.giveUp(step, err)
			}
			if r.sessions.HealthCheck(ctx, attempt.Session) {
				r.tel.ReportWarning(report_runner_retry, step.String(), outcome.Attempts, err)
				err := r.sleep(ctx, r.policy.Backoff(transientFailures))
				if err != nil {
					return outcome, err
				}
				outcome.Retries++
				continue
			}
			class = fault.ClassSessionDead
		}

		if class == fault.ClassSessionDead {
			if outcome.Recoveries >= r.policy.MaxRecoveries {
				return outcome, r.giveUp(step, err)
			}
			r.tel.ReportWarning(report_runner_recover, step.String(), err)
			// the session the attempt ran on is the stale one, a concurrent
			// step may already have replaced it.
			fresh, recoverErr := r.sessions.Recover(ctx, attempt.Session)
			if recoverErr != nil {
				return outcome, recoverErr
			}
			r.setSession(fresh)
			recovered = true
			outcome.Recoveries++
			continue
		}

		return outcome, r.giveUp(step, err)
	}
}

func (r *Runner) invoke(ctx context.Context, step Step, fn func(ctx context.Context, attempt Attempt) error, attempt Attempt) error {
	ctx, span := tracer.Start(ctx, step.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("platform", step.Platform),
		attribute.String("category", step.Category),
		attribute.String("item", step.ItemID),
		attribute.Int("attempt", attempt.Number),
		attribute.Int64("session.generation", attempt.Session.Generation),
	)

	err := fn(ctx, attempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fault.Classify(err).String())
	}
	return err
}

func (r *Runner) giveUp(step Step, err error) error {
	r.tel.ReportWarning(report_runner_give_up, step.String(), err)

	var itemFailed *fault.ItemExtractionFailed
	if errors.As(err, &itemFailed) {
		return err
	}
	return &fault.ItemExtractionFailed{ItemID: step.ItemID, Step: step.Name, Err: err}
}
