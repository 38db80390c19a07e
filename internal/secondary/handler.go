// Package secondary runs extraction work inside popups and modals while
// guaranteeing that every opened context is closed again.
package secondary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/surface"
)

const (
	report_handler_close   = "handler.close"
	report_handler_restore = "handler.restore"
)

// ErrExtractionPanicked wraps a panic raised by an extraction callback.
var ErrExtractionPanicked = errors.New("extraction panicked")

// ExtractFunc runs against the secondary context, which is active when it is called.
type ExtractFunc func(ctx context.Context, s surface.Surface) error

// Handler tracks the secondary contexts opened on one surface as a stack. On
// return from Run the context that was active before the call is active again.
type Handler struct {
	surface      surface.Surface
	tel          telemetry.API
	pollInterval time.Duration
	closeTimeout time.Duration

	mutex sync.Mutex
	stack []surface.Handle
}

type Option func(h *Handler)

func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) { h.pollInterval = d }
}

func WithCloseTimeout(d time.Duration) Option {
	return func(h *Handler) { h.closeTimeout = d }
}

func NewHandler(s surface.Surface, tel telemetry.API, opts ...Option) *Handler {
	assert.NotNil(s)
	assert.NotNil(tel)

	h := &Handler{
		surface:      s,
		tel:          telemetry.NewScopedAPI("secondary", tel),
		pollInterval: 100 * time.Millisecond,
		closeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Depth is the number of secondary contexts currently open through this handler.
func (h *Handler) Depth() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.stack)
}

func (h *Handler) top() surface.Handle {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if len(h.stack) == 0 {
		return h.surface.Primary()
	}
	return h.stack[len(h.stack)-1]
}

func (h *Handler) push(handle surface.Handle) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.stack = append(h.stack, handle)
}

func (h *Handler) pop(handle surface.Handle) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i := len(h.stack) - 1; i >= 0; i-- {
		if h.stack[i] == handle {
			h.stack = append(h.stack[:i], h.stack[i+1:]...)
			return
		}
	}
}

// Run opens a secondary context with trigger, waits until trigger.Ready is
// present, runs extract and then closes the context. timeout bounds the whole
// open/ready/extract sequence, cleanup always runs with its own deadline.
func (h *Handler) Run(ctx context.Context, trigger surface.Trigger, timeout time.Duration, extract ExtractFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parent := h.top()
	handle, err := h.surface.OpenSecondaryContext(ctx, trigger)
	if err != nil {
		if h.surface.Active() != parent {
			h.restore(ctx, parent)
		}
		return fmt.Errorf("open secondary context %s: %w", trigger.Open, err)
	}
	h.push(handle)

	defer func() {
		recovered := recover()
		h.release(ctx, handle, parent)
		if recovered != nil {
			err = fmt.Errorf("%w: %v", ErrExtractionPanicked, recovered)
		}
	}()

	err = h.waitReady(ctx, trigger.Ready)
	if err != nil {
		return err
	}
	return extract(ctx, h.surface)
}

// Extract is Run for callbacks that produce a value.
func Extract[T any](ctx context.Context, h *Handler, trigger surface.Trigger, timeout time.Duration, fn func(ctx context.Context, s surface.Surface) (T, error)) (T, error) {
	var out T
	err := h.Run(ctx, trigger, timeout, func(ctx context.Context, s surface.Surface) error {
		value, err := fn(ctx, s)
		if err != nil {
			return err
		}
		out = value
		return nil
	})
	return out, err
}

func (h *Handler) waitReady(ctx context.Context, ready surface.Locator) error {
	if ready.IsZero() {
		return nil
	}

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		found, err := h.surface.Exists(ctx, ready)
		if err == nil && found {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("secondary context not ready (%s): %w", ready, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (h *Handler) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.closeTimeout)
}

func (h *Handler) release(ctx context.Context, handle, parent surface.Handle) {
	h.pop(handle)

	cleanupCtx, cancel := h.cleanupContext(ctx)
	defer cancel()

	err := h.surface.CloseSecondaryContext(cleanupCtx, handle)
	if err != nil {
		h.tel.ReportBroken(report_handler_close, err, string(handle))
	}
	h.restore(ctx, parent)
}

func (h *Handler) restore(ctx context.Context, parent surface.Handle) {
	cleanupCtx, cancel := h.cleanupContext(ctx)
	defer cancel()

	err := h.surface.Activate(cleanupCtx, parent)
	if err == nil {
		return
	}
	h.tel.ReportBroken(report_handler_restore, err, string(parent))

	primary := h.surface.Primary()
	if parent != primary {
		err = h.surface.Activate(cleanupCtx, primary)
		if err != nil {
			h.tel.ReportBroken(report_handler_restore, err, string(primary))
		}
	}
}
