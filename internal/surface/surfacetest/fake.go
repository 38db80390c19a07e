// Package surfacetest provides an in-memory surface.Surface for tests.
package surfacetest

import (
	"context"
	"fmt"
	"sync"

	"reviewtrail/internal/fault"
	"reviewtrail/internal/surface"
)

type Element struct {
	Text  string
	HTML  string
	Value string
	// IgnoreFill drops fill actions on this element, typing still sticks.
	IgnoreFill bool
}

type Page struct {
	URL      string
	elements map[string][]*Element
}

func NewPage(url string) *Page {
	return &Page{URL: url, elements: map[string][]*Element{}}
}

// Set replaces the elements matching selector.
func (p *Page) Set(selector string, elements ...*Element) *Page {
	p.elements[selector] = elements
	return p
}

func (p *Page) Remove(selector string) *Page {
	delete(p.elements, selector)
	return p
}

// Handler runs after an action on the element it is registered for.
type Handler func(f *Fake, action surface.Action) error

type fakeContext struct {
	page *Page
}

// Fake is a scriptable surface made of static pages, action handlers and
// injected failures.
type Fake struct {
	mutex    sync.Mutex
	pages    map[string]*Page
	popups   map[string]*Page
	files    map[string][]byte
	handlers map[string]Handler
	failures map[string][]error
	redirect func(target string) string

	contexts map[surface.Handle]*fakeContext
	active   surface.Handle
	nextID   int
	opened   int
	closed   bool
	calls    []string
}

const primaryHandle surface.Handle = "primary"

func New() *Fake {
	return &Fake{
		pages:    map[string]*Page{},
		popups:   map[string]*Page{},
		files:    map[string][]byte{},
		handlers: map[string]Handler{},
		failures: map[string][]error{},
		contexts: map[surface.Handle]*fakeContext{
			primaryHandle: {page: NewPage("about:blank")},
		},
		active: primaryHandle,
	}
}

func (f *Fake) AddPage(p *Page) *Page {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.pages[p.URL] = p
	return p
}

func (f *Fake) OnAct(selector string, h Handler) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.handlers[selector] = h
}

// OnPopup registers the page that opens when the element matching
// openSelector is used as a trigger.
func (f *Fake) OnPopup(openSelector string, p *Page) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.popups[openSelector] = p
}

// SetFile registers the content served by Fetch for url.
func (f *Fake) SetFile(url string, data []byte) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.files[url] = data
}

// SetRedirect rewrites every navigation target, used to simulate a session
// that bounces back to the login page.
func (f *Fake) SetRedirect(redirect func(target string) string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.redirect = redirect
}

// FailNext makes the next len(errs) calls of op ("navigate", "act", "read",
// "exists", "fetch", "open", "close") on key fail with the given errors in order. key
// is a selector, or the target for navigate.
func (f *Fake) FailNext(op, key string, errs ...error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	k := op + " " + key
	f.failures[k] = append(f.failures[k], errs...)
}

// Goto switches the active context to the page registered at url.
func (f *Fake) Goto(url string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.gotoLocked(url)
}

func (f *Fake) gotoLocked(url string) error {
	if f.redirect != nil {
		url = f.redirect(url)
	}
	page, ok := f.pages[url]
	if !ok {
		return fmt.Errorf("navigate %s: %w", url, fault.ErrNotFound)
	}
	ctx, ok := f.contexts[f.active]
	if !ok {
		return fmt.Errorf("no active context: %w", fault.ErrStale)
	}
	ctx.page = page
	return nil
}

func (f *Fake) popFailure(op, key string) error {
	k := op + " " + key
	errs := f.failures[k]
	if len(errs) == 0 {
		return nil
	}
	f.failures[k] = errs[1:]
	return errs[0]
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns every call made so far as "<op> <key>".
func (f *Fake) Calls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// OpenContexts is the number of secondary contexts that are still open.
func (f *Fake) OpenContexts() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.contexts) - 1
}

// OpenedTotal is the number of secondary contexts ever opened.
func (f *Fake) OpenedTotal() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.opened
}

func (f *Fake) Closed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

func (f *Fake) activePage() (*Page, error) {
	ctx, ok := f.contexts[f.active]
	if !ok {
		return nil, fmt.Errorf("no active context: %w", fault.ErrStale)
	}
	return ctx.page, nil
}

func elementKey(loc surface.Locator) string {
	if loc.Frame != "" {
		return loc.Frame + " " + loc.Selector
	}
	return loc.Selector
}

func (f *Fake) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.record("navigate " + target)
	if err := f.popFailure("navigate", target); err != nil {
		return err
	}
	return f.gotoLocked(target)
}

func (f *Fake) Act(ctx context.Context, loc surface.Locator, action surface.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mutex.Lock()
	key := elementKey(loc)
	f.record(fmt.Sprintf("act %s %s", key, action.Kind))
	if err := f.popFailure("act", key); err != nil {
		f.mutex.Unlock()
		return err
	}
	page, err := f.activePage()
	if err != nil {
		f.mutex.Unlock()
		return err
	}
	elements := page.elements[key]
	if len(elements) == 0 {
		f.mutex.Unlock()
		return fmt.Errorf("act %s: %w", key, fault.ErrNotFound)
	}
	el := elements[0]
	switch action.Kind {
	case surface.ActionFill:
		if !el.IgnoreFill {
			el.Value = action.Value
		}
	case surface.ActionType, surface.ActionSelect:
		el.Value = action.Value
	}
	handler := f.handlers[key]
	f.mutex.Unlock()

	if handler != nil {
		return handler(f, action)
	}
	return nil
}

func (f *Fake) Read(ctx context.Context, loc surface.Locator) (surface.Fragment, error) {
	all, err := f.readAll(ctx, "read", loc)
	if err != nil {
		return surface.Fragment{}, err
	}
	if len(all) == 0 {
		return surface.Fragment{}, fmt.Errorf("read %s: %w", loc, fault.ErrNotFound)
	}
	return all[0], nil
}

func (f *Fake) ReadAll(ctx context.Context, loc surface.Locator) ([]surface.Fragment, error) {
	return f.readAll(ctx, "read", loc)
}

func (f *Fake) readAll(ctx context.Context, op string, loc surface.Locator) ([]surface.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := elementKey(loc)
	f.record(op + " " + key)
	if err := f.popFailure(op, key); err != nil {
		return nil, err
	}
	page, err := f.activePage()
	if err != nil {
		return nil, err
	}
	var out []surface.Fragment
	for _, el := range page.elements[key] {
		html := el.HTML
		if html == "" {
			html = el.Text
		}
		out = append(out, surface.Fragment{HTML: html, Text: el.Text, Value: el.Value})
	}
	return out, nil
}

func (f *Fake) Exists(ctx context.Context, loc surface.Locator) (bool, error) {
	all, err := f.readAll(ctx, "exists", loc)
	if err != nil {
		return false, err
	}
	return len(all) > 0, nil
}

func (f *Fake) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	page, err := f.activePage()
	if err != nil {
		return "", err
	}
	return page.URL, nil
}

func (f *Fake) Fetch(ctx context.Context, target string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.record("fetch " + target)
	if err := f.popFailure("fetch", target); err != nil {
		return nil, err
	}
	data, ok := f.files[target]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", target, fault.ErrNotFound)
	}
	return data, nil
}

func (f *Fake) OpenSecondaryContext(ctx context.Context, trigger surface.Trigger) (surface.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := elementKey(trigger.Open)
	f.record("open " + key)
	if err := f.popFailure("open", key); err != nil {
		return "", err
	}
	page, err := f.activePage()
	if err != nil {
		return "", err
	}
	if len(page.elements[key]) == 0 {
		return "", fmt.Errorf("open %s: %w", key, fault.ErrNotFound)
	}
	popup, ok := f.popups[key]
	if !ok {
		return "", fmt.Errorf("open %s: no secondary context: %w", key, fault.ErrNotFound)
	}

	f.nextID++
	f.opened++
	h := surface.Handle(fmt.Sprintf("secondary-%d", f.nextID))
	f.contexts[h] = &fakeContext{page: popup}
	f.active = h
	return h, nil
}

func (f *Fake) CloseSecondaryContext(ctx context.Context, h surface.Handle) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.record("close " + string(h))
	if err := f.popFailure("close", string(h)); err != nil {
		return err
	}
	if h == primaryHandle {
		return fmt.Errorf("cannot close the primary context")
	}
	if _, ok := f.contexts[h]; !ok {
		return fmt.Errorf("close %s: %w", h, fault.ErrStale)
	}
	delete(f.contexts, h)
	if f.active == h {
		f.active = ""
	}
	return nil
}

func (f *Fake) Activate(ctx context.Context, h surface.Handle) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, ok := f.contexts[h]; !ok {
		return fmt.Errorf("activate %s: %w", h, fault.ErrStale)
	}
	f.active = h
	return nil
}

func (f *Fake) Active() surface.Handle {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.active
}

func (f *Fake) Primary() surface.Handle {
	return primaryHandle
}

func (f *Fake) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}
