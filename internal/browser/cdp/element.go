// internal/browser/cdp/element.go
package cdp

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/chromefleet/internal/browser"
)

// Element is a remote object handle in the tab it was found in.
type Element struct {
	page *Page
	tab  *tab
	id   runtime.RemoteObjectID
}

var _ browser.Element = (*Element)(nil)

// call runs fn with the node as `this` and decodes the returned value.
func (e *Element) call(ctx context.Context, fn string, out any) error {
	return e.page.runIn(ctx, e.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exp, err := runtime.CallFunctionOn(fn).
			WithObjectID(e.id).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return translate(err)
		}
		if exp != nil {
			return translate(exp)
		}
		if out == nil || res == nil || len(res.Value) == 0 {
			return nil
		}
		return json.Unmarshal([]byte(res.Value), out)
	}))
}

func (e *Element) Text(ctx context.Context) (string, error) {
	var s string
	err := e.call(ctx, textFn, &s)
	return s, err
}

func (e *Element) Displayed(ctx context.Context) (bool, error) {
	var ok bool
	err := e.call(ctx, displayedFn, &ok)
	return ok, err
}

func (e *Element) Enabled(ctx context.Context) (bool, error) {
	var ok bool
	err := e.call(ctx, enabledFn, &ok)
	return ok, err
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	return e.call(ctx, scrollFn, nil)
}

type clickPoint struct {
	State string  `json:"state"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	By    string  `json:"by"`
}

func (e *Element) Click(ctx context.Context) error {
	var pt clickPoint
	if err := e.call(ctx, clickPointFn, &pt); err != nil {
		return err
	}
	switch pt.State {
	case "hidden":
		return fmt.Errorf("%w: element has no size", browser.ErrNotInteractable)
	case "intercepted":
		return fmt.Errorf("%w: <%s> is on top", browser.ErrIntercepted, pt.By)
	}

	return e.page.runIn(ctx, e.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MouseMoved, pt.X, pt.Y).Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, pt.X, pt.Y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, pt.X, pt.Y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx)
	}))
}

func (e *Element) Clear(ctx context.Context) error {
	var cleared bool
	if err := e.call(ctx, clearFn, &cleared); err != nil {
		return err
	}
	if !cleared {
		return fmt.Errorf("%w: element is not editable", browser.ErrNotInteractable)
	}
	return nil
}

func (e *Element) Type(ctx context.Context, text string) error {
	if err := e.call(ctx, focusFn, nil); err != nil {
		return err
	}
	return e.page.runIn(ctx, e.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

func (e *Element) Press(ctx context.Context, key string) error {
	if err := e.call(ctx, focusFn, nil); err != nil {
		return err
	}
	return e.page.runIn(ctx, e.tab, chromedp.KeyEvent(keyFor(key)))
}

func (e *Element) ShadowRoot(ctx context.Context) (browser.Element, error) {
	var root browser.Element
	err := e.page.runIn(ctx, e.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exp, err := runtime.CallFunctionOn(shadowFn).WithObjectID(e.id).Do(ctx)
		if err != nil {
			return translate(err)
		}
		if exp != nil {
			return translate(exp)
		}
		if res == nil || res.ObjectID == "" || res.Subtype == runtime.SubtypeNull {
			return browser.ErrNoShadowRoot
		}
		root = &Element{page: e.page, tab: e.tab, id: res.ObjectID}
		return nil
	}))
	return root, err
}

func (e *Element) FindAll(ctx context.Context, loc browser.Locator) ([]browser.Element, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	var found []browser.Element
	err := e.page.runIn(ctx, e.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		ids, err := query(ctx, e.id, loc)
		if err != nil {
			return err
		}
		found = e.page.wrap(e.tab, ids)
		return nil
	}))
	return found, err
}
