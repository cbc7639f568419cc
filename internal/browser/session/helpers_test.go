// internal/browser/session/helpers_test.go
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
)

// fakeElement is an in-memory browser.Element.
type fakeElement struct {
	mu        sync.Mutex
	text      string
	hidden    bool
	disabled  bool
	stale     bool
	clickErrs []error
	clicks    int
	value     strings.Builder
	cleared   int
	pressed   []string
	children  map[string][]browser.Element
	shadow    *fakeElement
}

func (e *fakeElement) check() error {
	if e.stale {
		return browser.ErrStale
	}
	return nil
}

func (e *fakeElement) Text(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text, e.check()
}

func (e *fakeElement) Displayed(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.hidden, e.check()
}

func (e *fakeElement) Enabled(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabled, e.check()
}

func (e *fakeElement) Click(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(); err != nil {
		return err
	}
	if len(e.clickErrs) > 0 {
		err := e.clickErrs[0]
		e.clickErrs = e.clickErrs[1:]
		return err
	}
	e.clicks++
	return nil
}

func (e *fakeElement) Clear(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared++
	e.value.Reset()
	return e.check()
}

func (e *fakeElement) Type(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value.WriteString(text)
	return e.check()
}

func (e *fakeElement) Press(_ context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pressed = append(e.pressed, key)
	return e.check()
}

func (e *fakeElement) ScrollIntoView(context.Context) error { return e.check() }

func (e *fakeElement) ShadowRoot(context.Context) (browser.Element, error) {
	if e.shadow == nil {
		return nil, browser.ErrNoShadowRoot
	}
	return e.shadow, nil
}

func (e *fakeElement) FindAll(_ context.Context, loc browser.Locator) ([]browser.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.children[loc.String()], e.check()
}

func (e *fakeElement) typed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value.String()
}

// lookup answers the n-th (0-based) FindAll call for a locator.
type lookup func(n int) ([]browser.Element, error)

// fakePage is an in-memory browser.Page.
type fakePage struct {
	mu         sync.Mutex
	lookups    map[string]lookup
	calls      map[string]int
	evals      []string
	evalFn     func(expr string, out any) error
	navigated  []string
	tabs       []browser.Tab
	current    string
	closed     []string
	reloadErr  error
	keys       []string
	screenshot []byte
}

func newFakePage() *fakePage {
	return &fakePage{
		lookups:    map[string]lookup{},
		calls:      map[string]int{},
		tabs:       []browser.Tab{{ID: "t1", URL: "about:blank", Title: "blank"}},
		current:    "t1",
		screenshot: []byte("\x89PNG-fake"),
	}
}

func (p *fakePage) on(loc browser.Locator, fn lookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups[loc.String()] = fn
}

// always registers a lookup that returns els on every call.
func (p *fakePage) always(loc browser.Locator, els ...browser.Element) {
	p.on(loc, func(int) ([]browser.Element, error) { return els, nil })
}

func (p *fakePage) callsFor(loc browser.Locator) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[loc.String()]
}

func (p *fakePage) FindAll(_ context.Context, loc browser.Locator) ([]browser.Element, error) {
	p.mu.Lock()
	fn := p.lookups[loc.String()]
	n := p.calls[loc.String()]
	p.calls[loc.String()]++
	p.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(n)
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, expr string, out any) error {
	p.mu.Lock()
	p.evals = append(p.evals, expr)
	fn := p.evalFn
	p.mu.Unlock()
	if fn != nil {
		return fn(expr, out)
	}
	if s, ok := out.(*string); ok && expr == "document.readyState" {
		*s = "complete"
	}
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tabs {
		if t.ID == p.current {
			return t.URL, nil
		}
	}
	return "", browser.ErrNoSuchTab
}

func (p *fakePage) Title(context.Context) (string, error) { return "", nil }

func (p *fakePage) Reload(context.Context) error { return p.reloadErr }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return p.screenshot, nil }

func (p *fakePage) PressKey(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakePage) NewTab(_ context.Context, url string) (browser.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := browser.Tab{ID: fmt.Sprintf("t%d", len(p.tabs)+len(p.closed)+1), URL: url}
	p.tabs = append(p.tabs, t)
	p.current = t.ID
	return t, nil
}

func (p *fakePage) Tabs(context.Context) ([]browser.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Tab(nil), p.tabs...), nil
}

func (p *fakePage) SwitchTab(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tabs {
		if t.ID == id {
			p.current = id
			return nil
		}
	}
	return browser.ErrNoSuchTab
}

func (p *fakePage) CloseTab(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.tabs {
		if t.ID == id {
			p.tabs = append(p.tabs[:i], p.tabs[i+1:]...)
			p.closed = append(p.closed, id)
			if p.current == id {
				p.current = ""
			}
			return nil
		}
	}
	return browser.ErrNoSuchTab
}

func (p *fakePage) CurrentTab() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePage) SetWindowBounds(context.Context, browser.Bounds) error { return nil }

func (p *fakePage) Close() error { return nil }

// newTestSession builds a session with millisecond scale timings.
func newTestSession(t *testing.T, page browser.Page, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithPacer(pacing.New(pacing.WithGap(0), pacing.WithSeed(1))),
		WithInteraction(config.InteractionConfig{
			Wait:         0,
			Timeout:      200 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
			TypeDelay:    0,
			TabPoll:      5 * time.Millisecond,
		}),
		WithSnapshotDir(t.TempDir()),
	}
	return New(page, "p1", append(base, opts...)...)
}
