// internal/browser/session/session_test.go
package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	button = browser.CSS("button.go")
	field  = browser.Name("amount")
)

func TestNew_PacerFollowsJitter(t *testing.T) {
	spread := func(s *Session) (lo, hi time.Duration) {
		lo, hi = time.Hour, 0
		for range 500 {
			d := s.Pacer().Jitter(time.Second)
			lo, hi = min(lo, d), max(hi, d)
		}
		return lo, hi
	}

	s := New(nil, "p1")
	assert.Equal(t, pacing.DefaultGap, s.Pacer().Gap())

	s = New(nil, "p1", WithInteraction(config.InteractionConfig{Jitter: 0.1}))
	assert.Equal(t, 0.1, s.Pacer().Gap())
	lo, hi := spread(s)
	assert.GreaterOrEqual(t, lo, 900*time.Millisecond)
	assert.LessOrEqual(t, hi, 1100*time.Millisecond)

	s = New(nil, "p1", WithInteraction(config.InteractionConfig{Jitter: 0.4}))
	lo, hi = spread(s)
	assert.Less(t, lo, 900*time.Millisecond, "a wider jitter widens the spread")
	assert.Greater(t, hi, 1100*time.Millisecond)

	s = New(nil, "p1", WithInteraction(config.InteractionConfig{Jitter: 0}))
	assert.Equal(t, time.Second, s.Pacer().Jitter(time.Second))
}

func TestFind(t *testing.T) {
	t.Run("RetriesUntilRendered", func(t *testing.T) {
		page := newFakePage()
		el := &fakeElement{text: "ok"}
		page.on(button, func(n int) ([]browser.Element, error) {
			if n < 3 {
				return nil, nil
			}
			return []browser.Element{el}, nil
		})
		s := newTestSession(t, page)

		got, err := s.Find(context.Background(), button)
		require.NoError(t, err)
		assert.Same(t, el, got)
		assert.Equal(t, 4, page.callsFor(button))
	})

	t.Run("StaleIsTransient", func(t *testing.T) {
		page := newFakePage()
		el := &fakeElement{}
		page.on(button, func(n int) ([]browser.Element, error) {
			if n == 0 {
				return nil, browser.ErrStale
			}
			return []browser.Element{el}, nil
		})
		s := newTestSession(t, page)

		got, err := s.Find(context.Background(), button)
		require.NoError(t, err)
		assert.Same(t, el, got)
	})

	t.Run("TimeoutCarriesLastCause", func(t *testing.T) {
		page := newFakePage()
		s := newTestSession(t, page)

		start := time.Now()
		_, err := s.Find(context.Background(), button, WithTimeout(50*time.Millisecond))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, browser.ErrNotFound)
		assert.Less(t, time.Since(start), time.Second)
		assert.Greater(t, page.callsFor(button), 1)
	})

	t.Run("PermanentErrorStopsImmediately", func(t *testing.T) {
		page := newFakePage()
		boom := errors.New("protocol failure")
		page.on(button, func(int) ([]browser.Element, error) { return nil, boom })
		s := newTestSession(t, page)

		_, err := s.Find(context.Background(), button)
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 1, page.callsFor(button))
	})

	t.Run("CancellationEndsLoop", func(t *testing.T) {
		page := newFakePage()
		s := newTestSession(t, page)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := s.Find(ctx, button, WithTimeout(time.Minute))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Within", func(t *testing.T) {
		page := newFakePage()
		child := &fakeElement{text: "child"}
		parent := &fakeElement{children: map[string][]browser.Element{button.String(): {child}}}
		s := newTestSession(t, page)

		got, err := s.Find(context.Background(), button, Within(parent))
		require.NoError(t, err)
		assert.Same(t, child, got)
		assert.Zero(t, page.callsFor(button), "scoped lookups never touch the page")
	})
}

func TestFindAll(t *testing.T) {
	page := newFakePage()
	a, b := &fakeElement{}, &fakeElement{}
	page.always(button, a, b)
	s := newTestSession(t, page)

	els, err := s.FindAll(context.Background(), button)
	require.NoError(t, err)
	assert.Len(t, els, 2)
}

func TestFindInShadow(t *testing.T) {
	inner := &fakeElement{text: "deep"}
	second := &fakeElement{shadow: &fakeElement{children: map[string][]browser.Element{
		browser.CSS("span").String(): {inner},
	}}}
	host := &fakeElement{shadow: &fakeElement{children: map[string][]browser.Element{
		browser.CSS("wallet-card").String(): {second},
	}}}

	page := newFakePage()
	page.always(browser.CSS("app-root"), host)
	s := newTestSession(t, page)

	got, err := s.FindInShadow(context.Background(), []browser.Locator{
		browser.CSS("app-root"), browser.CSS("wallet-card"), browser.CSS("span"),
	})
	require.NoError(t, err)
	assert.Same(t, inner, got)

	_, err = s.FindInShadow(context.Background(), []browser.Locator{browser.CSS("app-root")})
	assert.ErrorIs(t, err, ErrInvalidSelectors)

	page.always(browser.CSS("plain"), &fakeElement{})
	_, err = s.FindInShadow(context.Background(), []browser.Locator{browser.CSS("plain"), browser.CSS("span")},
		WithTimeout(30*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, browser.ErrNoShadowRoot)
}

func TestSeeByText(t *testing.T) {
	page := newFakePage()
	el := &fakeElement{text: "Come back tomorrow"}
	page.always(TextLocator("Come back tomorrow", false), el)
	s := newTestSession(t, page)

	els, err := s.SeeByText(context.Background(), "Come back tomorrow")
	require.NoError(t, err)
	assert.Len(t, els, 1)

	_, err = s.SeeByText(context.Background(), "Incorrect Pin Code", Quiet(), WithTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTextLocator(t *testing.T) {
	assert.Equal(t, `//*[contains(normalize-space(.), "Send")]`, TextLocator("Send", false).Value)
	assert.Equal(t, `.//*[contains(normalize-space(.), "Send")]`, TextLocator("Send", true).Value)
	assert.Equal(t, `//*[contains(normalize-space(.), 'say "hi"')]`, TextLocator(`say "hi"`, false).Value)
	assert.Equal(t, `//*[contains(normalize-space(.), concat("it's ", '"', "x", '"'))]`,
		TextLocator(`it's "x"`, false).Value)
}

func TestWaitForDisappear(t *testing.T) {
	t.Run("HiddenCountsAsGone", func(t *testing.T) {
		page := newFakePage()
		spinner := &fakeElement{}
		page.always(button, spinner)
		s := newTestSession(t, page)

		go func() {
			time.Sleep(20 * time.Millisecond)
			spinner.mu.Lock()
			spinner.hidden = true
			spinner.mu.Unlock()
		}()
		require.NoError(t, s.WaitForDisappear(context.Background(), button))
	})

	t.Run("AbsentOrStale", func(t *testing.T) {
		page := newFakePage()
		s := newTestSession(t, page)
		require.NoError(t, s.WaitForDisappear(context.Background(), button))

		page.always(field, &fakeElement{stale: true})
		require.NoError(t, s.WaitForDisappear(context.Background(), field))
	})

	t.Run("StillPresent", func(t *testing.T) {
		page := newFakePage()
		page.always(button, &fakeElement{})
		s := newTestSession(t, page)
		err := s.WaitForDisappear(context.Background(), button, WithTimeout(20*time.Millisecond))
		assert.ErrorIs(t, err, ErrStillPresent)
	})
}

func TestClick(t *testing.T) {
	s := newTestSession(t, newFakePage())

	el := &fakeElement{clickErrs: []error{browser.ErrIntercepted, browser.ErrNotInteractable}}
	require.NoError(t, s.Click(context.Background(), el))
	assert.Equal(t, 1, el.clicks)

	stale := &fakeElement{stale: true}
	err := s.Click(context.Background(), stale)
	assert.ErrorIs(t, err, browser.ErrStale)
	assert.NotErrorIs(t, err, ErrTimeout, "a stale handle is not retried")

	assert.ErrorIs(t, s.Click(context.Background(), nil), browser.ErrNotFound)
}

func TestFindAndClick(t *testing.T) {
	t.Run("WaitsForEnabled", func(t *testing.T) {
		page := newFakePage()
		el := &fakeElement{disabled: true}
		page.always(button, el)
		s := newTestSession(t, page)

		go func() {
			time.Sleep(20 * time.Millisecond)
			el.mu.Lock()
			el.disabled = false
			el.mu.Unlock()
		}()
		require.NoError(t, s.FindAndClick(context.Background(), button))
		assert.Equal(t, 1, el.clicks)
	})

	t.Run("RefindsAfterStaleClick", func(t *testing.T) {
		page := newFakePage()
		old := &fakeElement{clickErrs: []error{browser.ErrStale}}
		fresh := &fakeElement{}
		page.on(button, func(n int) ([]browser.Element, error) {
			if n == 0 {
				return []browser.Element{old}, nil
			}
			return []browser.Element{fresh}, nil
		})
		s := newTestSession(t, page)

		require.NoError(t, s.FindAndClick(context.Background(), button))
		assert.Equal(t, 0, old.clicks)
		assert.Equal(t, 1, fresh.clicks)
	})

	t.Run("HiddenTimesOut", func(t *testing.T) {
		page := newFakePage()
		page.always(button, &fakeElement{hidden: true})
		s := newTestSession(t, page)

		err := s.FindAndClick(context.Background(), button, WithTimeout(20*time.Millisecond))
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, browser.ErrNotInteractable)
	})
}

func TestFindAndInput(t *testing.T) {
	page := newFakePage()
	el := &fakeElement{}
	el.value.WriteString("old")
	page.always(field, el)
	s := newTestSession(t, page)

	require.NoError(t, s.FindAndInput(context.Background(), field, "0.00042"))
	assert.Equal(t, "0.00042", el.typed())
	assert.Equal(t, 1, el.cleared)

	assert.ErrorIs(t, s.FindAndInput(context.Background(), field, ""), ErrNothingToType)

	hidden := browser.Name("hidden")
	page.always(hidden, &fakeElement{hidden: true})
	err := s.FindAndInput(context.Background(), hidden, "x", WithTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPressKey(t *testing.T) {
	page := newFakePage()
	s := newTestSession(t, page)

	require.NoError(t, s.PressKey(context.Background(), browser.KeyEnter))
	assert.Equal(t, []string{browser.KeyEnter}, page.keys)

	el := &fakeElement{}
	require.NoError(t, s.PressKey(context.Background(), browser.KeyTab, Within(el)))
	assert.Equal(t, []string{browser.KeyTab}, el.pressed)

	hidden := &fakeElement{hidden: true}
	assert.ErrorIs(t, s.PressKey(context.Background(), browser.KeyTab, Within(hidden)), browser.ErrNotInteractable)
}

func TestGetText(t *testing.T) {
	page := newFakePage()
	page.always(browser.ID("balance"), &fakeElement{text: "  0.0123 ETH \n"})
	page.always(browser.ID("empty"), &fakeElement{text: "   "})
	s := newTestSession(t, page)

	text, err := s.GetText(context.Background(), browser.ID("balance"))
	require.NoError(t, err)
	assert.Equal(t, "0.0123 ETH", text)

	_, err = s.GetText(context.Background(), browser.ID("empty"))
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestGoTo(t *testing.T) {
	page := newFakePage()
	s := newTestSession(t, page)

	require.NoError(t, s.GoTo(context.Background(), "chrome-extension://abc/home.html", MethodScript))
	assert.Contains(t, page.evals, `window.location.href = "chrome-extension://abc/home.html";`)

	require.NoError(t, s.GoTo(context.Background(), "https://example.org", MethodGet))
	assert.Equal(t, []string{"https://example.org"}, page.navigated)

	assert.ErrorIs(t, s.GoTo(context.Background(), "x", Method("post")), ErrInvalidMethod)

	loads := 0
	page.evalFn = func(expr string, out any) error {
		if expr == "document.readyState" {
			loads++
			if loads < 3 {
				*out.(*string) = "loading"
			} else {
				*out.(*string) = "complete"
			}
		}
		return nil
	}
	require.NoError(t, s.GoTo(context.Background(), "https://example.org/slow", MethodGet))
	assert.Equal(t, 3, loads)

	page.evalFn = func(expr string, out any) error {
		if expr == "document.readyState" {
			*out.(*string) = "interactive"
		}
		return nil
	}
	err := s.GoTo(context.Background(), "https://example.org/never", MethodGet, WithTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTabs(t *testing.T) {
	newPage := func() *fakePage {
		page := newFakePage()
		page.tabs = []browser.Tab{
			{ID: "t1", URL: "chrome-extension://abc/home.html", Title: "HaHa Wallet"},
			{ID: "t2", URL: "https://app.haha.me/quests", Title: "Quests"},
			{ID: "t3", URL: "https://example.org", Title: "Example"},
		}
		page.current = "t3"
		return page
	}

	t.Run("SwitchByURLPrefix", func(t *testing.T) {
		page := newPage()
		s := newTestSession(t, page)
		require.NoError(t, s.SwitchTab(context.Background(), "CHROME-EXTENSION://abc", ByURL))
		assert.Equal(t, "t1", page.CurrentTab())
	})

	t.Run("SwitchByTitle", func(t *testing.T) {
		page := newPage()
		s := newTestSession(t, page)
		require.NoError(t, s.SwitchTab(context.Background(), "quests", ByTitle))
		assert.Equal(t, "t2", page.CurrentTab())
	})

	t.Run("SwitchFailureRestores", func(t *testing.T) {
		page := newPage()
		s := newTestSession(t, page)
		err := s.SwitchTab(context.Background(), "https://nowhere", ByURL, WithTimeout(20*time.Millisecond))
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, browser.ErrNoSuchTab)
		assert.Equal(t, "t3", page.CurrentTab())
	})

	t.Run("CloseCurrentMovesToPrevious", func(t *testing.T) {
		page := newPage()
		s := newTestSession(t, page)
		require.NoError(t, s.CloseTab(context.Background(), "", ByURL))
		assert.Equal(t, []string{"t3"}, page.closed)
		assert.Equal(t, "t2", page.CurrentTab())
	})

	t.Run("CloseOtherKeepsCurrent", func(t *testing.T) {
		page := newPage()
		s := newTestSession(t, page)
		require.NoError(t, s.CloseTab(context.Background(), "https://app.haha.me", ByURL))
		assert.Equal(t, []string{"t2"}, page.closed)
		assert.Equal(t, "t3", page.CurrentTab())
	})

	t.Run("RefusesLastTab", func(t *testing.T) {
		page := newFakePage()
		s := newTestSession(t, page)
		assert.ErrorIs(t, s.CloseTab(context.Background(), "", ByURL), ErrLastTab)
		assert.Empty(t, page.closed)
	})

	t.Run("NewTabNavigates", func(t *testing.T) {
		page := newFakePage()
		s := newTestSession(t, page)
		require.NoError(t, s.NewTab(context.Background(), "https://example.org", MethodGet))
		assert.Equal(t, "t2", page.CurrentTab())
		assert.Equal(t, []string{"https://example.org"}, page.navigated)
	})
}

func TestReloadTabFallsBackToScript(t *testing.T) {
	page := newFakePage()
	page.reloadErr = errors.New("no session")
	s := newTestSession(t, page)

	require.NoError(t, s.ReloadTab(context.Background()))
	assert.Contains(t, page.evals, "window.location.reload();")
}

func TestExecuteChain(t *testing.T) {
	s := newTestSession(t, newFakePage())
	var ran []string
	step := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			ran = append(ran, name)
			return err
		}
	}

	err := s.ExecuteChain(context.Background(), "unlock",
		Optional("dismiss banner", step("a", errors.New("no banner"))),
		Required("type pin", step("b", nil)),
		Required("submit", step("c", browser.ErrNotFound)),
		Required("never", step("d", nil)),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrNotFound)
	assert.Contains(t, err.Error(), `unlock: step "submit"`)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "unlock", se.Chain)
	assert.Equal(t, "submit", se.Step)
	assert.Equal(t, []string{"a", "b", "c"}, ran)

	ran = nil
	require.NoError(t, s.ExecuteChain(context.Background(), "ok", Required("a", step("a", nil))))

	stop := s.ExecuteChain(context.Background(), "stop",
		Optional("snapshot", func(context.Context) error { return ErrStopped }))
	assert.ErrorIs(t, stop, ErrStopped, "a stop request is never skipped")
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Valid() bool { return m.Called().Bool(0) }

func (m *mockNotifier) SendPhoto(ctx context.Context, png []byte, caption string) error {
	return m.Called(ctx, png, caption).Error(0)
}

type mockVision struct{ mock.Mock }

func (m *mockVision) Valid() bool { return m.Called().Bool(0) }

func (m *mockVision) Ask(ctx context.Context, prompt string, png []byte) (string, error) {
	args := m.Called(ctx, prompt, png)
	return args.String(0), args.Error(1)
}

func TestSnapshot(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	t.Run("SavesToDiskWithoutNotifier", func(t *testing.T) {
		dir := t.TempDir()
		page := newFakePage()
		s := newTestSession(t, page, WithSnapshotDir(dir), WithClock(func() time.Time { return fixed }))

		err := s.Snapshot(context.Background(), "Pin rejected", true)
		assert.ErrorIs(t, err, ErrStopped)
		assert.Contains(t, err.Error(), "Pin rejected")

		data, err := os.ReadFile(filepath.Join(dir, "p1_20250304_050607.png"))
		require.NoError(t, err)
		assert.Equal(t, page.screenshot, data)
	})

	t.Run("SendsToValidNotifier", func(t *testing.T) {
		dir := t.TempDir()
		n := &mockNotifier{}
		n.On("Valid").Return(true)
		n.On("SendPhoto", mock.Anything, mock.Anything, "[2025-03-04_05:06:07][p1] - done").Return(nil)
		s := newTestSession(t, newFakePage(), WithNotifier(n), WithSnapshotDir(dir),
			WithClock(func() time.Time { return fixed }))

		require.NoError(t, s.Snapshot(context.Background(), "done", false))
		n.AssertExpectations(t)
		entries, _ := os.ReadDir(dir)
		assert.Empty(t, entries)
	})

	t.Run("InvalidNotifierFallsBackToDisk", func(t *testing.T) {
		dir := t.TempDir()
		n := &mockNotifier{}
		n.On("Valid").Return(false)
		s := newTestSession(t, newFakePage(), WithNotifier(n), WithSnapshotDir(dir))

		require.NoError(t, s.Snapshot(context.Background(), "x", false))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		n.AssertNotCalled(t, "SendPhoto", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestAskAI(t *testing.T) {
	s := newTestSession(t, newFakePage())
	_, err := s.AskAI(context.Background(), "what is shown?", true)
	assert.ErrorIs(t, err, ErrAIUnavailable)

	v := &mockVision{}
	v.On("Valid").Return(true)
	v.On("Ask", mock.Anything, "captcha answer?", []byte("\x89PNG-fake")).Return("42", nil)
	v.On("Ask", mock.Anything, "text only", []byte(nil)).Return(strings.Repeat("long ", 5), nil)
	s = newTestSession(t, newFakePage(), WithVision(v))

	answer, err := s.AskAI(context.Background(), "captcha answer?", true)
	require.NoError(t, err)
	assert.Equal(t, "42", answer)

	answer, err = s.AskAI(context.Background(), "text only", false)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("long ", 5), answer)
	v.AssertExpectations(t)
}
