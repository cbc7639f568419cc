// internal/browser/session/interact.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
)

// actionable reports errors a click on an already resolved element can
// recover from. A stale handle never comes back.
func actionable(err error) bool {
	return errors.Is(err, browser.ErrNotInteractable) || errors.Is(err, browser.ErrIntercepted)
}

// Click clicks el, retrying while it is covered or not yet interactable.
func (s *Session) Click(ctx context.Context, el browser.Element, opts ...CallOption) error {
	if el == nil {
		return fmt.Errorf("%w: nil element", browser.ErrNotFound)
	}
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}
	err := s.retry(ctx, c, "click", actionable, el.Click)
	if err != nil {
		s.failure("click", "Click failed.", err)
		return err
	}
	s.success(c, "click", "Clicked element.")
	return nil
}

// clickable resolves the first displayed and enabled element matching loc.
func (s *Session) clickable(ctx context.Context, c call, loc browser.Locator) (browser.Element, error) {
	els, err := s.search(ctx, c, loc)
	if err != nil {
		return nil, err
	}
	el := els[0]
	shown, err := el.Displayed(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := el.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	if !shown || !enabled {
		return nil, fmt.Errorf("%w: %s (displayed=%t enabled=%t)", browser.ErrNotInteractable, loc, shown, enabled)
	}
	return el, nil
}

// visible resolves the first displayed element matching loc.
func (s *Session) visible(ctx context.Context, c call, loc browser.Locator) (browser.Element, error) {
	els, err := s.search(ctx, c, loc)
	if err != nil {
		return nil, err
	}
	shown, err := els[0].Displayed(ctx)
	if err != nil {
		return nil, err
	}
	if !shown {
		return nil, fmt.Errorf("%w: %s is hidden", browser.ErrNotInteractable, loc)
	}
	return els[0], nil
}

// FindAndClick waits for loc to be displayed and enabled, then clicks it.
func (s *Session) FindAndClick(ctx context.Context, loc browser.Locator, opts ...CallOption) error {
	c := s.newCall(opts)
	paused := false
	err := s.retry(ctx, c, "click "+loc.String(), transient, func(ctx context.Context) error {
		el, err := s.clickable(ctx, c, loc)
		if err != nil {
			return err
		}
		if !paused {
			paused = true
			if err := s.pause(ctx, c); err != nil {
				return err
			}
		}
		return el.Click(ctx)
	})
	if err != nil {
		s.failure("find_and_click", "Click failed.", err, zap.Stringer("locator", loc))
		return err
	}
	s.success(c, "find_and_click", "Clicked element.", zap.Stringer("locator", loc))
	return nil
}

// FindAndInput waits for loc to be visible, clears it and types text one
// character at a time.
func (s *Session) FindAndInput(ctx context.Context, loc browser.Locator, text string, opts ...CallOption) error {
	if text == "" {
		return ErrNothingToType
	}
	c := s.newCall(opts)

	var target browser.Element
	paused := false
	err := s.retry(ctx, c, "input "+loc.String(), transient, func(ctx context.Context) error {
		el, err := s.visible(ctx, c, loc)
		if err != nil {
			return err
		}
		if !paused {
			paused = true
			if err := s.pause(ctx, c); err != nil {
				return err
			}
		}
		if err := el.Clear(ctx); err != nil {
			return err
		}
		target = el
		return nil
	})
	if err != nil {
		s.failure("find_and_input", "Input failed.", err, zap.Stringer("locator", loc))
		return err
	}

	// Typing is not retried: a partial value would be doubled.
	for _, r := range text {
		if err := s.pacer.Sleep(ctx, c.typeDelay); err != nil {
			return err
		}
		if err := target.Type(ctx, string(r)); err != nil {
			s.failure("find_and_input", "Typing failed.", err, zap.Stringer("locator", loc))
			return fmt.Errorf("type into %s: %w", loc, err)
		}
	}
	s.success(c, "find_and_input", "Typed into element.", zap.Stringer("locator", loc))
	return nil
}

// PressKey sends key to the page, or to the Within element when it is displayed.
func (s *Session) PressKey(ctx context.Context, key string, opts ...CallOption) error {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}
	var err error
	if c.parent != nil {
		err = s.pressOn(ctx, c.parent, key)
	} else {
		err = s.page.PressKey(ctx, key)
	}
	if err != nil {
		s.failure("press_key", "Key press failed.", err, zap.String("key", key))
		return err
	}
	s.success(c, "press_key", "Pressed key.", zap.String("key", key))
	return nil
}

func (s *Session) pressOn(ctx context.Context, el browser.Element, key string) error {
	shown, err := el.Displayed(ctx)
	if err != nil {
		return err
	}
	if !shown {
		return fmt.Errorf("%w: cannot press %s on a hidden element", browser.ErrNotInteractable, key)
	}
	return el.Press(ctx, key)
}

// GetText returns the trimmed text of the first element matching loc.
func (s *Session) GetText(ctx context.Context, loc browser.Locator, opts ...CallOption) (string, error) {
	c := s.newCall(opts)
	var el browser.Element
	err := s.retry(ctx, c, "get text "+loc.String(), transient, func(ctx context.Context) error {
		els, err := s.search(ctx, c, loc)
		if err != nil {
			return err
		}
		el = els[0]
		return nil
	})
	if err != nil {
		s.failure("get_text", "Element not found.", err, zap.Stringer("locator", loc))
		return "", err
	}
	if err := s.pause(ctx, c); err != nil {
		return "", err
	}

	text, err := el.Text(ctx)
	if err != nil {
		s.failure("get_text", "Could not read text.", err, zap.Stringer("locator", loc))
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		err := fmt.Errorf("%w: %s", ErrEmptyText, loc)
		s.failure("get_text", "Element has no text.", err)
		return "", err
	}
	s.success(c, "get_text", "Read text.", zap.Stringer("locator", loc), zap.String("text", text))
	return text, nil
}

// ScrollTo centers el in the viewport.
func (s *Session) ScrollTo(ctx context.Context, el browser.Element, opts ...CallOption) error {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}
	if err := el.ScrollIntoView(ctx); err != nil {
		s.failure("scroll_to", "Scroll failed.", err)
		return err
	}
	s.success(c, "scroll_to", "Scrolled to element.")
	return nil
}
