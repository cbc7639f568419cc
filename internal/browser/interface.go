// internal/browser/interface.go
// Package browser defines the driver abstraction the automation layer talks to.
// A Page is one browser window with its tabs; an Element is a live reference
// to a node inside the current tab. The chromedp implementation lives in the
// cdp subpackage.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by Page and Element implementations.
var (
	// ErrStale indicates the element reference is detached from the document.
	ErrStale = errors.New("element is stale or detached from the document")
	// ErrNotFound indicates a lookup matched nothing.
	ErrNotFound = errors.New("no element matched the locator")
	// ErrNotInteractable indicates the element is hidden, disabled or has no size.
	ErrNotInteractable = errors.New("element is not interactable")
	// ErrIntercepted indicates another element would receive the click.
	ErrIntercepted = errors.New("click would be received by another element")
	// ErrNoShadowRoot indicates the element has no open shadow root.
	ErrNoShadowRoot = errors.New("element has no shadow root")
	// ErrNoSuchTab indicates a tab id that is not open anymore.
	ErrNoSuchTab = errors.New("no such tab")
)

// By selects the query language of a Locator.
type By string

const (
	ByCSS   By = "css"
	ByXPath By = "xpath"
)

// Locator addresses elements. Every strategy compiles down to CSS or XPath.
type Locator struct {
	By    By
	Value string
}

// CSS locates elements by CSS selector.
func CSS(selector string) Locator { return Locator{By: ByCSS, Value: selector} }

// XPath locates elements by XPath expression. Expressions starting with "."
// are evaluated relative to the parent they are searched within.
func XPath(expr string) Locator { return Locator{By: ByXPath, Value: expr} }

// Tag locates elements by tag name.
func Tag(name string) Locator { return CSS(name) }

// ID locates an element by id attribute.
func ID(id string) Locator { return CSS(fmt.Sprintf(`[id=%s]`, quoteCSS(id))) }

// Name locates elements by name attribute.
func Name(name string) Locator { return CSS(fmt.Sprintf(`[name=%s]`, quoteCSS(name))) }

// Class locates elements carrying a class.
func Class(class string) Locator { return CSS(fmt.Sprintf(`[class~=%s]`, quoteCSS(class))) }

func (l Locator) String() string {
	return string(l.By) + "=" + l.Value
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool { return l.Value == "" }

// Validate rejects unknown strategies and empty selectors.
func (l Locator) Validate() error {
	if l.Value == "" {
		return errors.New("locator: empty selector")
	}
	switch l.By {
	case ByCSS, ByXPath:
		return nil
	default:
		return fmt.Errorf("locator: unknown strategy %q", l.By)
	}
}

func quoteCSS(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// Key names accepted by PressKey and Element.Press.
const (
	KeyEnter     = "Enter"
	KeyTab       = "Tab"
	KeyEscape    = "Escape"
	KeyBackspace = "Backspace"
	KeyDelete    = "Delete"
	KeyPageDown  = "PageDown"
	KeyPageUp    = "PageUp"
	KeyHome      = "Home"
	KeyEnd       = "End"
)

// Element is a live reference to a DOM node.
type Element interface {
	// Text returns the rendered text of the element.
	Text(ctx context.Context) (string, error)
	Displayed(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
	// Click scrolls the element into view and clicks its center.
	Click(ctx context.Context) error
	// Clear empties an input or editable element.
	Clear(ctx context.Context) error
	// Type focuses the element and inserts text at the caret.
	Type(ctx context.Context, text string) error
	// Press sends a named key to the focused element.
	Press(ctx context.Context, key string) error
	ScrollIntoView(ctx context.Context) error
	// ShadowRoot returns the open shadow root as a searchable element.
	ShadowRoot(ctx context.Context) (Element, error)
	// FindAll searches below this element.
	FindAll(ctx context.Context, loc Locator) ([]Element, error)
}

// Tab describes an open page target.
type Tab struct {
	ID    string
	URL   string
	Title string
}

// Bounds is a window rectangle in screen pixels.
type Bounds struct {
	X, Y          int
	Width, Height int
}

// Page is one browser window. Calls act on the current tab.
type Page interface {
	FindAll(ctx context.Context, loc Locator) ([]Element, error)
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression and decodes its result into out (may be nil).
	Evaluate(ctx context.Context, expr string, out any) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	// Screenshot captures the visible viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	PressKey(ctx context.Context, key string) error

	NewTab(ctx context.Context, url string) (Tab, error)
	Tabs(ctx context.Context) ([]Tab, error)
	SwitchTab(ctx context.Context, id string) error
	CloseTab(ctx context.Context, id string) error
	CurrentTab() string

	SetWindowBounds(ctx context.Context, b Bounds) error
	// Close shuts the browser down.
	Close() error
}
