package surface

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles the calls that reach the remote system.
type Limited struct {
	Surface
	limiter *rate.Limiter
}

// NewLimited wraps inner so that at most perSecond remote calls happen per
// second, bursts are allowed up to burst.
func NewLimited(inner Surface, perSecond float64, burst int) Limited {
	return Limited{Surface: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l Limited) Navigate(ctx context.Context, target string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.Surface.Navigate(ctx, target)
}

func (l Limited) Act(ctx context.Context, loc Locator, action Action) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.Surface.Act(ctx, loc, action)
}

func (l Limited) OpenSecondaryContext(ctx context.Context, trigger Trigger) (Handle, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Surface.OpenSecondaryContext(ctx, trigger)
}

func (l Limited) Fetch(ctx context.Context, target string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Surface.Fetch(ctx, target)
}
