package rodsurface

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/surface"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

const (
	report_surface_close  = "surface.close"
	report_surface_settle = "surface.settle"
)

type browsingContext struct {
	page  *rod.Page
	modal bool
	close surface.Locator
}

// Surface drives the pages of one incognito browser context. Modals live in
// the page that opened them, popups get their own page.
type Surface struct {
	browser *rod.Browser
	config  Config
	tel     telemetry.API

	mutex    sync.Mutex
	contexts map[surface.Handle]*browsingContext
	active   surface.Handle
	nextID   int
}

const primaryHandle surface.Handle = "primary"

func newSurface(browser *rod.Browser, page *rod.Page, config Config, tel telemetry.API) *Surface {
	return &Surface{
		browser: browser,
		config:  config,
		tel:     tel,
		contexts: map[surface.Handle]*browsingContext{
			primaryHandle: {page: page},
		},
		active: primaryHandle,
	}
}

// mapError translates rod errors into the fault sentinels the resilience
// policy classifies.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var notFound *rod.ElementNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", fault.ErrNotFound, err)
	}
	var objectNotFound *rod.ObjectNotFoundError
	var notInteractable *rod.NotInteractableError
	var invisible *rod.InvisibleShapeError
	var covered *rod.CoveredError
	if errors.As(err, &objectNotFound) || errors.As(err, &notInteractable) ||
		errors.As(err, &invisible) || errors.As(err, &covered) {
		return fmt.Errorf("%w: %w", fault.ErrStale, err)
	}
	return &fault.TransientRemoteError{Err: err}
}

func (s *Surface) activeContext() (*browsingContext, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, ok := s.contexts[s.active]
	if !ok {
		return nil, fmt.Errorf("no active context: %w", fault.ErrStale)
	}
	return c, nil
}

func (s *Surface) activePage(ctx context.Context) (*rod.Page, error) {
	c, err := s.activeContext()
	if err != nil {
		return nil, err
	}
	return c.page.Context(ctx), nil
}

// scope resolves the page or frame loc lives in.
func (s *Surface) scope(ctx context.Context, loc surface.Locator) (*rod.Page, error) {
	page, err := s.activePage(ctx)
	if err != nil {
		return nil, err
	}
	if loc.Frame == "" {
		return page, nil
	}
	frame, err := s.wait(ctx, page, loc.Frame)
	if err != nil {
		return nil, err
	}
	inner, err := frame.Frame()
	if err != nil {
		return nil, mapError(err)
	}
	return inner.Context(ctx), nil
}

// wait looks for selector until the element timeout, running out of time
// means the element is absent rather than the remote being slow.
func (s *Surface) wait(ctx context.Context, page *rod.Page, selector string) (*rod.Element, error) {
	el, err := page.Timeout(s.config.ElementTimeout).Element(selector)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", selector, fault.ErrNotFound)
		}
		return nil, mapError(err)
	}
	return el.CancelTimeout(), nil
}

func (s *Surface) element(ctx context.Context, loc surface.Locator) (*rod.Element, error) {
	page, err := s.scope(ctx, loc)
	if err != nil {
		return nil, err
	}
	return s.wait(ctx, page, loc.Selector)
}

func (s *Surface) Navigate(ctx context.Context, target string) error {
	page, err := s.activePage(ctx)
	if err != nil {
		return err
	}
	err = page.Navigate(target)
	if err != nil {
		return mapError(err)
	}
	return mapError(page.WaitLoad())
}

// settle runs action and waits for the network activity it caused to end.
func (s *Surface) settle(ctx context.Context, action func() error) error {
	page, err := s.activePage(ctx)
	if err != nil {
		return err
	}
	wait := page.WaitRequestIdle(s.config.Settle, nil, nil, nil)
	err = action()
	if err != nil {
		return mapError(err)
	}
	wait()
	if ctx.Err() != nil {
		s.tel.ReportDebug(report_surface_settle, ctx.Err())
	}
	return nil
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Escape":     input.Escape,
	"Tab":        input.Tab,
	"Backspace":  input.Backspace,
	"ArrowDown":  input.ArrowDown,
	"ArrowUp":    input.ArrowUp,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"PageDown":   input.PageDown,
	"PageUp":     input.PageUp,
}

func keyByName(name string) (input.Key, error) {
	if key, ok := namedKeys[name]; ok {
		return key, nil
	}
	runes := []rune(name)
	if len(runes) != 1 {
		return 0, fmt.Errorf("unknown key %q", name)
	}
	return input.Key(runes[0]), nil
}

func typeKeys(value string) []input.Key {
	keys := make([]input.Key, 0, len(value))
	for _, r := range value {
		keys = append(keys, input.Key(r))
	}
	return keys
}

func (s *Surface) Act(ctx context.Context, loc surface.Locator, action surface.Action) error {
	el, err := s.element(ctx, loc)
	if err != nil {
		return fmt.Errorf("act %s: %w", loc, err)
	}

	switch action.Kind {
	case surface.ActionClick:
		err = s.settle(ctx, func() error {
			return el.Click(proto.InputMouseButtonLeft, 1)
		})
	case surface.ActionFill:
		err = el.Input(action.Value)
	case surface.ActionType:
		err = el.SelectAllText()
		if err == nil {
			err = el.Type(typeKeys(action.Value)...)
		}
	case surface.ActionSelect:
		err = el.Select([]string{action.Value}, true, rod.SelectorTypeText)
	case surface.ActionPress:
		key, keyErr := keyByName(action.Value)
		if keyErr != nil {
			return fmt.Errorf("act %s: %w", loc, keyErr)
		}
		err = s.settle(ctx, func() error {
			err := el.Focus()
			if err != nil {
				return err
			}
			return el.Type(key)
		})
	}
	if err != nil {
		return fmt.Errorf("act %s %s: %w", loc, action.Kind, mapError(err))
	}
	return nil
}

func fragmentOf(el *rod.Element) (surface.Fragment, error) {
	html, err := el.HTML()
	if err != nil {
		return surface.Fragment{}, mapError(err)
	}
	text, err := el.Text()
	if err != nil {
		return surface.Fragment{}, mapError(err)
	}
	var value string
	prop, err := el.Property("value")
	if err == nil && !prop.Nil() {
		value = prop.String()
	}
	return surface.Fragment{HTML: html, Text: text, Value: value}, nil
}

func (s *Surface) Read(ctx context.Context, loc surface.Locator) (surface.Fragment, error) {
	el, err := s.element(ctx, loc)
	if err != nil {
		return surface.Fragment{}, fmt.Errorf("read %s: %w", loc, err)
	}
	return fragmentOf(el)
}

func (s *Surface) ReadAll(ctx context.Context, loc surface.Locator) ([]surface.Fragment, error) {
	page, err := s.scope(ctx, loc)
	if err != nil {
		return nil, err
	}
	elements, err := page.Elements(loc.Selector)
	if err != nil {
		return nil, fmt.Errorf("read all %s: %w", loc, mapError(err))
	}
	fragments := make([]surface.Fragment, 0, len(elements))
	for _, el := range elements {
		f, err := fragmentOf(el)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}

func (s *Surface) Exists(ctx context.Context, loc surface.Locator) (bool, error) {
	page, err := s.scope(ctx, loc)
	if errors.Is(err, fault.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	found, _, err := page.Has(loc.Selector)
	if err != nil {
		return false, mapError(err)
	}
	return found, nil
}

func (s *Surface) Location(ctx context.Context) (string, error) {
	page, err := s.activePage(ctx)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", mapError(err)
	}
	return info.URL, nil
}

const fetchJS = `async (url) => {
	const res = await fetch(url, { credentials: 'include' });
	if (!res.ok) {
		return { status: res.status };
	}
	const bytes = new Uint8Array(await res.arrayBuffer());
	let binary = '';
	for (let i = 0; i < bytes.length; i += 0x8000) {
		binary += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
	}
	return { status: res.status, body: btoa(binary) };
}`

// Fetch runs the request inside the active page so that it carries the
// session cookies.
func (s *Surface) Fetch(ctx context.Context, target string) ([]byte, error) {
	page, err := s.activePage(ctx)
	if err != nil {
		return nil, err
	}
	res, err := page.Eval(fetchJS, target)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, mapError(err))
	}

	status := res.Value.Get("status").Int()
	switch {
	case status == 404 || status == 410:
		return nil, fmt.Errorf("fetch %s: status %d: %w", target, status, fault.ErrNotFound)
	case status == 401 || status == 403:
		return nil, fmt.Errorf("fetch %s: status %d: %w", target, status, fault.ErrAccessDenied)
	case status >= 400:
		return nil, &fault.TransientRemoteError{Err: fmt.Errorf("fetch %s: status %d", target, status)}
	}

	data, err := base64.StdEncoding.DecodeString(res.Value.Get("body").Str())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w: %w", target, fault.ErrMalformed, err)
	}
	return data, nil
}

func (s *Surface) register(c *browsingContext) surface.Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nextID++
	h := surface.Handle(fmt.Sprintf("secondary-%d", s.nextID))
	s.contexts[h] = c
	s.active = h
	return h
}

func (s *Surface) OpenSecondaryContext(ctx context.Context, trigger surface.Trigger) (surface.Handle, error) {
	page, err := s.activePage(ctx)
	if err != nil {
		return "", err
	}
	el, err := s.element(ctx, trigger.Open)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", trigger.Open, err)
	}

	if trigger.Kind == surface.TriggerModal {
		err = el.Click(proto.InputMouseButtonLeft, 1)
		if err != nil {
			return "", fmt.Errorf("open modal %s: %w", trigger.Open, mapError(err))
		}
		return s.register(&browsingContext{page: page.CancelTimeout(), modal: true, close: trigger.Close}), nil
	}

	wait := page.WaitOpen()
	err = el.Click(proto.InputMouseButtonLeft, 1)
	if err != nil {
		return "", fmt.Errorf("open popup %s: %w", trigger.Open, mapError(err))
	}
	popup, err := wait()
	if err != nil {
		return "", fmt.Errorf("open popup %s: %w", trigger.Open, mapError(err))
	}
	return s.register(&browsingContext{page: popup}), nil
}

func (s *Surface) CloseSecondaryContext(ctx context.Context, h surface.Handle) error {
	if h == primaryHandle {
		return fmt.Errorf("cannot close the primary context")
	}
	s.mutex.Lock()
	c, ok := s.contexts[h]
	if ok {
		delete(s.contexts, h)
		if s.active == h {
			s.active = ""
		}
	}
	s.mutex.Unlock()
	if !ok {
		return fmt.Errorf("close %s: %w", h, fault.ErrStale)
	}

	page := c.page.Context(ctx)
	if !c.modal {
		return mapError(page.Close())
	}
	if !c.close.IsZero() {
		found, _, err := page.Has(c.close.Selector)
		if err == nil && found {
			el, err := page.Element(c.close.Selector)
			if err == nil {
				return mapError(el.Click(proto.InputMouseButtonLeft, 1))
			}
		}
	}
	return mapError(page.Keyboard.Press(input.Escape))
}

func (s *Surface) Activate(ctx context.Context, h surface.Handle) error {
	s.mutex.Lock()
	c, ok := s.contexts[h]
	if ok {
		s.active = h
	}
	s.mutex.Unlock()
	if !ok {
		return fmt.Errorf("activate %s: %w", h, fault.ErrStale)
	}
	_, err := c.page.Context(ctx).Activate()
	return mapError(err)
}

func (s *Surface) Active() surface.Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.active
}

func (s *Surface) Primary() surface.Handle {
	return primaryHandle
}

// Close disposes the incognito context together with all of its pages.
func (s *Surface) Close() error {
	err := s.browser.Close()
	if err != nil {
		s.tel.ReportWarning(report_surface_close, err)
	}
	return err
}
