// internal/browser/session/find.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
)

// search runs one lookup in the page or in the call's parent element.
func (s *Session) search(ctx context.Context, c call, loc browser.Locator) ([]browser.Element, error) {
	var (
		els []browser.Element
		err error
	)
	if c.parent != nil {
		els, err = c.parent.FindAll(ctx, loc)
	} else {
		els, err = s.page.FindAll(ctx, loc)
	}
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrNotFound, loc)
	}
	return els, nil
}

// Find returns the first element matching loc once it is present.
func (s *Session) Find(ctx context.Context, loc browser.Locator, opts ...CallOption) (browser.Element, error) {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return nil, err
	}
	var found browser.Element
	err := s.retry(ctx, c, "find "+loc.String(), transient, func(ctx context.Context) error {
		els, err := s.search(ctx, c, loc)
		if err != nil {
			return err
		}
		found = els[0]
		return nil
	})
	if err != nil {
		s.failure("find", "Element not found.", err, zap.Stringer("locator", loc))
		return nil, err
	}
	s.success(c, "find", "Element found.", zap.Stringer("locator", loc))
	return found, nil
}

// FindAll returns every element matching loc once at least one is present.
func (s *Session) FindAll(ctx context.Context, loc browser.Locator, opts ...CallOption) ([]browser.Element, error) {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return nil, err
	}
	var found []browser.Element
	err := s.retry(ctx, c, "find all "+loc.String(), transient, func(ctx context.Context) error {
		els, err := s.search(ctx, c, loc)
		if err != nil {
			return err
		}
		found = els
		return nil
	})
	if err != nil {
		s.failure("find_all", "No elements found.", err, zap.Stringer("locator", loc))
		return nil, err
	}
	s.success(c, "find_all", "Elements found.", zap.Stringer("locator", loc), zap.Int("count", len(found)))
	return found, nil
}

// FindInShadow walks a path of locators, descending into the open shadow
// root of each match before applying the next locator.
func (s *Session) FindInShadow(ctx context.Context, path []browser.Locator, opts ...CallOption) (browser.Element, error) {
	if len(path) < 2 {
		return nil, ErrInvalidSelectors
	}
	for _, loc := range path {
		if err := loc.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSelectors, err)
		}
	}
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return nil, err
	}

	var found browser.Element
	err := s.retry(ctx, c, "find in shadow "+path[len(path)-1].String(), transient, func(ctx context.Context) error {
		els, err := s.search(ctx, c, path[0])
		if err != nil {
			return err
		}
		el := els[0]
		for i, loc := range path[1:] {
			root, err := el.ShadowRoot(ctx)
			if err != nil {
				return fmt.Errorf("below %s: %w", path[i], err)
			}
			inner, err := root.FindAll(ctx, loc)
			if err != nil {
				return err
			}
			if len(inner) == 0 {
				return fmt.Errorf("%w: %s", browser.ErrNotFound, loc)
			}
			el = inner[0]
		}
		found = el
		return nil
	})
	if err != nil {
		s.failure("find_in_shadow", "Element not found in shadow path.", err, zap.Stringer("locator", path[len(path)-1]))
		return nil, err
	}
	s.success(c, "find_in_shadow", "Element found in shadow path.", zap.Stringer("locator", path[len(path)-1]))
	return found, nil
}

// TextLocator matches any element whose normalized text contains text.
// relative scopes the expression to a parent element.
func TextLocator(text string, relative bool) browser.Locator {
	prefix := "//"
	if relative {
		prefix = ".//"
	}
	return browser.XPath(fmt.Sprintf("%s*[contains(normalize-space(.), %s)]", prefix, xpathLiteral(text)))
}

// SeeByText returns every element containing text, of any tag.
func (s *Session) SeeByText(ctx context.Context, text string, opts ...CallOption) ([]browser.Element, error) {
	c := s.newCall(opts)
	loc := TextLocator(text, c.parent != nil)
	if err := s.pause(ctx, c); err != nil {
		return nil, err
	}
	var found []browser.Element
	err := s.retry(ctx, c, fmt.Sprintf("see text %q", text), transient, func(ctx context.Context) error {
		els, err := s.search(ctx, c, loc)
		if err != nil {
			return err
		}
		found = els
		return nil
	})
	if err != nil {
		if c.quiet {
			s.logger.Debug("Text not found.", zap.String("text", text), zap.Error(err))
		} else {
			s.failure("see_by_text", "Text not found.", err, zap.String("text", text))
		}
		return nil, err
	}
	s.success(c, "see_by_text", "Text found.", zap.String("text", text), zap.Int("count", len(found)))
	return found, nil
}

// WaitForDisappear polls until no displayed element matches loc. Absent,
// hidden and stale elements all count as gone.
func (s *Session) WaitForDisappear(ctx context.Context, loc browser.Locator, opts ...CallOption) error {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}

	alive := pacing.Deadline(c.timeout)
	announced := false
	for {
		gone, err := s.gone(ctx, c, loc)
		if err != nil {
			return err
		}
		if gone {
			s.success(c, "wait_for_disappear", "Element is gone.", zap.Stringer("locator", loc))
			return nil
		}
		if !announced {
			announced = true
			s.success(c, "wait_for_disappear", "Waiting for element to disappear.", zap.Stringer("locator", loc))
		}
		if !alive() {
			err := fmt.Errorf("%w after %s: %s", ErrStillPresent, c.timeout, loc)
			s.failure("wait_for_disappear", "Element is still present.", err)
			return err
		}
		if err := pacing.SleepContext(ctx, s.poll); err != nil {
			return err
		}
	}
}

func (s *Session) gone(ctx context.Context, c call, loc browser.Locator) (bool, error) {
	els, err := s.search(ctx, c, loc)
	switch {
	case errors.Is(err, browser.ErrNotFound), errors.Is(err, browser.ErrStale):
		return true, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	shown, err := els[0].Displayed(ctx)
	if errors.Is(err, browser.ErrStale) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !shown, nil
}

// xpathLiteral quotes s for use inside an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if p != "" {
			quoted = append(quoted, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
