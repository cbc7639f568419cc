// internal/browser/session/tabs.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
)

// Method selects how GoTo navigates.
type Method string

const (
	// MethodScript assigns window.location.href.
	MethodScript Method = "script"
	// MethodGet navigates through the protocol.
	MethodGet Method = "get"
)

// TabMatch selects how SwitchTab and CloseTab recognize a tab.
type TabMatch string

const (
	// ByURL matches a case-insensitive URL prefix.
	ByURL TabMatch = "url"
	// ByTitle matches the whole title, case-insensitively.
	ByTitle TabMatch = "title"
)

func (m TabMatch) matches(t browser.Tab, value string) bool {
	switch m {
	case ByTitle:
		return strings.EqualFold(t.Title, value)
	default:
		return strings.HasPrefix(strings.ToLower(t.URL), strings.ToLower(value))
	}
}

// errNotReady keeps the readiness poll going.
var errNotReady = errors.New("document is still loading")

// Tabs lists the open tabs in opening order.
func (s *Session) Tabs(ctx context.Context) ([]browser.Tab, error) {
	return s.page.Tabs(ctx)
}

// URL returns the address of the current tab after the call wait.
func (s *Session) URL(ctx context.Context, opts ...CallOption) (string, error) {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return "", err
	}
	return s.page.URL(ctx)
}

// NewTab opens a tab, makes it current and optionally loads url.
func (s *Session) NewTab(ctx context.Context, url string, method Method, opts ...CallOption) error {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}
	if _, err := s.page.NewTab(ctx, ""); err != nil {
		s.failure("new_tab", "Could not open tab.", err)
		return err
	}
	if url == "" {
		s.success(c, "new_tab", "Opened blank tab.")
		return nil
	}
	return s.GoTo(ctx, url, method, append(opts, WithWait(time.Second))...)
}

// GoTo loads url in the current tab and waits until the document is complete.
func (s *Session) GoTo(ctx context.Context, url string, method Method, opts ...CallOption) error {
	if method == "" {
		method = MethodScript
	}
	if method != MethodScript && method != MethodGet {
		return fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidMethod, method, MethodScript, MethodGet)
	}
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}

	var err error
	if method == MethodGet {
		err = s.page.Navigate(ctx, url)
	} else {
		quoted, _ := json.MarshalToString(url)
		err = s.page.Evaluate(ctx, "window.location.href = "+quoted+";", nil)
	}
	if err == nil {
		err = s.waitReady(ctx, c)
	}
	if err != nil {
		s.failure("go_to", "Page failed to load.", err, zap.String("url", url))
		return err
	}
	s.success(c, "go_to", "Page loaded.", zap.String("url", url))
	return nil
}

func (s *Session) waitReady(ctx context.Context, c call) error {
	ready := func(err error) bool { return errors.Is(err, errNotReady) || transient(err) }
	return s.retry(ctx, c, "page load", ready, func(ctx context.Context) error {
		var state string
		if err := s.page.Evaluate(ctx, "document.readyState", &state); err != nil {
			// Evaluations fail while the old document is torn down.
			return fmt.Errorf("%w: %v", errNotReady, err)
		}
		if state != "complete" {
			return fmt.Errorf("%w: readyState=%s", errNotReady, state)
		}
		return nil
	})
}

// SwitchTab polls the open tabs until one matches value and makes it current.
// On failure the previously current tab is restored.
func (s *Session) SwitchTab(ctx context.Context, value string, match TabMatch, opts ...CallOption) error {
	if match == "" {
		match = ByURL
	}
	if match != ByURL && match != ByTitle {
		return fmt.Errorf("invalid tab match %q", match)
	}
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}
	original := s.page.CurrentTab()

	alive := pacing.Deadline(c.timeout)
	for {
		tabs, err := s.page.Tabs(ctx)
		if err != nil {
			return err
		}
		for _, t := range tabs {
			if !match.matches(t, value) {
				continue
			}
			if err := s.page.SwitchTab(ctx, t.ID); err != nil {
				if errors.Is(err, browser.ErrNoSuchTab) {
					continue
				}
				return err
			}
			s.success(c, "switch_tab", "Switched tab.", zap.String("title", t.Title), zap.String("url", t.URL))
			return nil
		}
		if !alive() {
			break
		}
		if err := pacing.SleepContext(ctx, s.tabPoll); err != nil {
			return err
		}
	}

	if original != "" && s.page.CurrentTab() != original {
		if err := s.page.SwitchTab(ctx, original); err != nil {
			s.logger.Debug("Could not restore previous tab.", zap.Error(err))
		}
	}
	err := fmt.Errorf("switch to %s %q after %s: %w (last error: %w)", match, value, c.timeout, ErrTimeout, browser.ErrNoSuchTab)
	if c.quiet {
		s.logger.Debug("Tab not found.", zap.String("value", value), zap.Error(err))
	} else {
		s.failure("switch_tab", "Tab not found.", err, zap.String("value", value))
	}
	return err
}

// ReloadTab reloads the current tab, falling back to location.reload().
func (s *Session) ReloadTab(ctx context.Context, opts ...CallOption) error {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}
	if err := s.page.Reload(ctx); err != nil {
		s.logger.Debug("Reload failed, using script.", zap.Error(err))
		if err := s.page.Evaluate(ctx, "window.location.reload();", nil); err != nil {
			s.failure("reload_tab", "Reload failed.", err)
			return err
		}
	}
	s.success(c, "reload_tab", "Tab reloaded.")
	return nil
}

// CloseTab closes the current tab when value is empty, otherwise the first
// tab matching value. The last open tab is never closed. Closing the current
// tab moves to the one opened before it.
func (s *Session) CloseTab(ctx context.Context, value string, match TabMatch, opts ...CallOption) error {
	c := s.newCall(opts)
	if err := s.pause(ctx, c); err != nil {
		return err
	}
	tabs, err := s.page.Tabs(ctx)
	if err != nil {
		return err
	}
	if len(tabs) < 2 {
		s.failure("close_tab", "Only one tab is open.", ErrLastTab)
		return ErrLastTab
	}

	current := s.page.CurrentTab()
	victim := current
	if value != "" {
		if err := s.SwitchTab(ctx, value, match, WithWait(0), WithTimeout(c.timeout), Quiet()); err != nil {
			return err
		}
		victim = s.page.CurrentTab()
	}

	if err := s.page.CloseTab(ctx, victim); err != nil {
		s.failure("close_tab", "Could not close tab.", err)
		return err
	}

	next := current
	if victim == current {
		next = previousTab(tabs, victim)
	}
	if err := s.page.SwitchTab(ctx, next); err != nil {
		return fmt.Errorf("switch after close: %w", err)
	}
	s.success(c, "close_tab", "Tab closed.", zap.String("tab", victim))
	return nil
}

// previousTab returns the tab listed before id, wrapping to the last one.
func previousTab(tabs []browser.Tab, id string) string {
	for i, t := range tabs {
		if t.ID != id {
			continue
		}
		if i == 0 {
			return tabs[len(tabs)-1].ID
		}
		return tabs[i-1].ID
	}
	return tabs[0].ID
}
