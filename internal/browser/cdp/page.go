// internal/browser/cdp/page.go
// Package cdp drives Chrome over the DevTools protocol through chromedp and
// implements browser.Page and browser.Element.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	cdpexec "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
)

const defaultStartTimeout = 30 * time.Second

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	// first is the tab chromedp opened with the browser; cancelling its
	// context would stop the whole process.
	first bool
}

// Page is a Chrome process with its tabs.
type Page struct {
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	tabs    map[target.ID]*tab
	current target.ID
	closed  bool
	// seen numbers targets in the order they were first observed.
	seen map[target.ID]int
	seq  int
}

var _ browser.Page = (*Page)(nil)

// Launch starts Chrome with opts and waits until the first tab answers. ctx
// bounds the startup only. The process lives until Close.
func Launch(ctx context.Context, opts browser.LaunchOptions, logger *zap.Logger) (*Page, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cdp")

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), browser.AllocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	p := &Page{
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[target.ID]*tab),
		seen:          make(map[target.ID]int),
	}

	// The first Run allocates the browser and must not carry a deadline,
	// otherwise the process dies with it.
	if err := chromedp.Run(browserCtx); err != nil {
		p.shutdown()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}
	first := &tab{ctx: browserCtx, cancel: browserCancel, first: true}
	id := chromedp.FromContext(browserCtx).Target.TargetID
	p.tabs[id] = first
	p.current = id
	p.seq++
	p.seen[id] = p.seq

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.runIn(startCtx, first, chromedp.Navigate("about:blank")); err != nil {
		p.shutdown()
		return nil, fmt.Errorf("chrome did not become ready: %w", err)
	}

	if opts.Window != nil {
		if err := p.SetWindowBounds(startCtx, *opts.Window); err != nil {
			logger.Warn("Could not place window.", zap.Error(err))
		}
	}
	logger.Debug("Browser started.", zap.String("user_data_dir", opts.UserDataDir))
	return p, nil
}

func (p *Page) runIn(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rctx, cancel := combine(t.ctx, ctx)
	defer cancel()
	return opErr(ctx, chromedp.Run(rctx, actions...))
}

// browserDo runs fn with the browser level executor, for Target and Browser
// domain commands.
func (p *Page) browserDo(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := chromedp.FromContext(p.browserCtx)
	if c == nil || c.Browser == nil {
		return errors.New("browser is not running")
	}
	rctx, cancel := combine(p.browserCtx, ctx)
	defer cancel()
	return opErr(ctx, fn(cdpexec.WithExecutor(rctx, c.Browser)))
}

func (p *Page) active() (*tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("browser is closed")
	}
	t, ok := p.tabs[p.current]
	if !ok {
		return nil, browser.ErrNoSuchTab
	}
	return t, nil
}

// run executes actions in the current tab.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	t, err := p.active()
	if err != nil {
		return err
	}
	return p.runIn(ctx, t, actions...)
}

func (p *Page) FindAll(ctx context.Context, loc browser.Locator) ([]browser.Element, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	t, err := p.active()
	if err != nil {
		return nil, err
	}
	var found []browser.Element
	err = p.runIn(ctx, t, chromedp.ActionFunc(func(ctx context.Context) error {
		doc, exp, err := runtime.Evaluate("document").Do(ctx)
		if err != nil {
			return err
		}
		if exp != nil {
			return exp
		}
		defer release(ctx, doc.ObjectID)
		ids, err := query(ctx, doc.ObjectID, loc)
		if err != nil {
			return err
		}
		found = p.wrap(t, ids)
		return nil
	}))
	return found, err
}

func (p *Page) wrap(t *tab, ids []runtime.RemoteObjectID) []browser.Element {
	out := make([]browser.Element, len(ids))
	for i, id := range ids {
		out[i] = &Element{page: p, tab: t, id: id}
	}
	return out
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exp, err := runtime.Evaluate(expr).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exp != nil {
			return exp
		}
		if out == nil || res == nil || len(res.Value) == 0 {
			return nil
		}
		return json.Unmarshal([]byte(res.Value), out)
	}))
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *Page) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload())
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *Page) PressKey(ctx context.Context, key string) error {
	return p.run(ctx, chromedp.KeyEvent(keyFor(key)))
}

func (p *Page) NewTab(ctx context.Context, url string) (browser.Tab, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return browser.Tab{}, errors.New("browser is closed")
	}
	p.mu.Unlock()

	tctx, tcancel := chromedp.NewContext(p.browserCtx)
	// The first Run creates the target.
	if err := chromedp.Run(tctx); err != nil {
		tcancel()
		return browser.Tab{}, fmt.Errorf("failed to open tab: %w", err)
	}
	t := &tab{ctx: tctx, cancel: tcancel}
	id := chromedp.FromContext(tctx).Target.TargetID

	p.mu.Lock()
	p.tabs[id] = t
	p.current = id
	if _, ok := p.seen[id]; !ok {
		p.seq++
		p.seen[id] = p.seq
	}
	p.mu.Unlock()

	if err := p.activate(ctx, id); err != nil {
		p.logger.Debug("Could not activate new tab.", zap.Error(err))
	}
	if url != "" {
		if err := p.runIn(ctx, t, chromedp.Navigate(url)); err != nil {
			return browser.Tab{ID: string(id)}, err
		}
	}
	return browser.Tab{ID: string(id), URL: url}, nil
}

func (p *Page) Tabs(ctx context.Context) ([]browser.Tab, error) {
	infos, err := p.targets(ctx)
	if err != nil {
		return nil, err
	}
	tabs := make([]browser.Tab, 0, len(infos))
	for _, info := range infos {
		tabs = append(tabs, browser.Tab{ID: string(info.TargetID), URL: info.URL, Title: info.Title})
	}
	return tabs, nil
}

// targets lists the page targets and forgets tabs that are gone.
func (p *Page) targets(ctx context.Context) ([]*target.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rctx, cancel := combine(p.browserCtx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(rctx)
	if err != nil {
		return nil, opErr(ctx, err)
	}

	pages := make([]*target.Info, 0, len(infos))
	alive := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		pages = append(pages, info)
		alive[info.TargetID] = true
	}

	p.mu.Lock()
	for id, t := range p.tabs {
		if !alive[id] && !t.first {
			t.cancel()
			delete(p.tabs, id)
		}
	}
	// Chrome lists the newest target first; number unseen targets oldest
	// first so the result follows opening order.
	for i := len(pages) - 1; i >= 0; i-- {
		if _, ok := p.seen[pages[i].TargetID]; !ok {
			p.seq++
			p.seen[pages[i].TargetID] = p.seq
		}
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return p.seen[pages[i].TargetID] < p.seen[pages[j].TargetID]
	})
	p.mu.Unlock()
	return pages, nil
}

func (p *Page) SwitchTab(ctx context.Context, id string) error {
	tid := target.ID(id)
	infos, err := p.targets(ctx)
	if err != nil {
		return err
	}
	exists := false
	for _, info := range infos {
		if info.TargetID == tid {
			exists = true
			break
		}
	}
	if !exists {
		return fmt.Errorf("%w: %s", browser.ErrNoSuchTab, id)
	}

	p.mu.Lock()
	_, known := p.tabs[tid]
	p.mu.Unlock()
	if !known {
		// Tabs opened by the page or an extension are attached on first use.
		tctx, tcancel := chromedp.NewContext(p.browserCtx, chromedp.WithTargetID(tid))
		if err := chromedp.Run(tctx); err != nil {
			tcancel()
			return fmt.Errorf("failed to attach to tab %s: %w", id, err)
		}
		p.mu.Lock()
		p.tabs[tid] = &tab{ctx: tctx, cancel: tcancel}
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.current = tid
	p.mu.Unlock()
	return p.activate(ctx, tid)
}

func (p *Page) activate(ctx context.Context, id target.ID) error {
	return p.browserDo(ctx, func(ctx context.Context) error {
		return target.ActivateTarget(id).Do(ctx)
	})
}

func (p *Page) CloseTab(ctx context.Context, id string) error {
	tid := target.ID(id)
	p.mu.Lock()
	t, known := p.tabs[tid]
	delete(p.tabs, tid)
	if p.current == tid {
		p.current = ""
	}
	p.mu.Unlock()

	if known && !t.first {
		// Cancelling a tab context closes its target.
		t.cancel()
		return nil
	}
	err := p.browserDo(ctx, func(ctx context.Context) error {
		return target.CloseTarget(tid).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", browser.ErrNoSuchTab, id, err)
	}
	return nil
}

func (p *Page) CurrentTab() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.current)
}

func (p *Page) SetWindowBounds(ctx context.Context, b browser.Bounds) error {
	t, err := p.active()
	if err != nil {
		return err
	}
	id := chromedp.FromContext(t.ctx).Target.TargetID
	return p.browserDo(ctx, func(ctx context.Context) error {
		windowID, _, err := cdpbrowser.GetWindowForTarget().WithTargetID(id).Do(ctx)
		if err != nil {
			return err
		}
		if err := cdpbrowser.SetWindowBounds(windowID, &cdpbrowser.Bounds{WindowState: cdpbrowser.WindowStateNormal}).Do(ctx); err != nil {
			return err
		}
		return cdpbrowser.SetWindowBounds(windowID, &cdpbrowser.Bounds{
			Left:   int64(b.X),
			Top:    int64(b.Y),
			Width:  int64(b.Width),
			Height: int64(b.Height),
		}).Do(ctx)
	})
}

// Close shuts Chrome down. It is safe to call more than once.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(detach(p.browserCtx), 10*time.Second)
	defer cancel()
	err := chromedp.Cancel(ctx)
	p.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close chrome: %w", err)
	}
	return nil
}

func (p *Page) shutdown() {
	p.browserCancel()
	p.allocCancel()
}

// query runs findFn on the object and returns the matched nodes.
func query(ctx context.Context, root runtime.RemoteObjectID, loc browser.Locator) ([]runtime.RemoteObjectID, error) {
	res, exp, err := runtime.CallFunctionOn(invoke(findFn, string(loc.By), loc.Value)).
		WithObjectID(root).
		Do(ctx)
	if err != nil {
		return nil, translate(err)
	}
	if exp != nil {
		return nil, translate(exp)
	}
	if res == nil || res.ObjectID == "" {
		return nil, nil
	}
	defer release(ctx, res.ObjectID)

	props, _, _, exp, err := runtime.GetProperties(res.ObjectID).WithOwnProperties(true).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		return nil, exp
	}

	type indexed struct {
		i  int
		id runtime.RemoteObjectID
	}
	items := make([]indexed, 0, len(props))
	for _, prop := range props {
		i, err := strconv.Atoi(prop.Name)
		if err != nil || prop.Value == nil || prop.Value.ObjectID == "" {
			continue
		}
		items = append(items, indexed{i: i, id: prop.Value.ObjectID})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].i < items[b].i })

	ids := make([]runtime.RemoteObjectID, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

func release(ctx context.Context, id runtime.RemoteObjectID) {
	if id == "" {
		return
	}
	_ = runtime.ReleaseObject(id).Do(ctx)
}

// translate maps protocol failures on dead object handles to ErrStale.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, staleMarker),
		strings.Contains(msg, "Could not find object with given id"),
		strings.Contains(msg, "Cannot find context with specified id"),
		strings.Contains(msg, "Node is detached"):
		return fmt.Errorf("%w: %s", browser.ErrStale, msg)
	}
	return err
}

var keys = map[string]string{
	browser.KeyEnter:     kb.Enter,
	browser.KeyTab:       kb.Tab,
	browser.KeyEscape:    kb.Escape,
	browser.KeyBackspace: kb.Backspace,
	browser.KeyDelete:    kb.Delete,
	browser.KeyPageDown:  kb.PageDown,
	browser.KeyPageUp:    kb.PageUp,
	browser.KeyHome:      kb.Home,
	browser.KeyEnd:       kb.End,
}

// keyFor maps a named key to its chromedp encoding. Anything else is sent as
// literal characters.
func keyFor(name string) string {
	if k, ok := keys[name]; ok {
		return k
	}
	return name
}
