// internal/browser/cdp/page_test.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/chromefleet/internal/browser"
)

func TestKeyFor(t *testing.T) {
	assert.Equal(t, kb.Enter, keyFor(browser.KeyEnter))
	assert.Equal(t, kb.PageDown, keyFor(browser.KeyPageDown))
	assert.Equal(t, "abc", keyFor("abc"))
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil))
	assert.ErrorIs(t, translate(errors.New("exception \"Uncaught\" (0:0): Error: stale element")), browser.ErrStale)
	assert.ErrorIs(t, translate(errors.New("Could not find object with given id (-32000)")), browser.ErrStale)

	other := errors.New("boom")
	assert.Equal(t, other, translate(other))
}

func TestInvoke(t *testing.T) {
	src := invoke("function(a, b) { return a + b; }", "css", `a"b`)
	assert.Equal(t, `function() { return (function(a, b) { return a + b; }).call(this, "css", "a\"b"); }`, src)
}

const fixture = `<!doctype html>
<html><head><title>Fixture</title></head>
<body>
	<p id="greeting">Hello wallet</p>
	<p class="hidden" style="display:none">secret</p>
	<input name="amount" value="42">
	<button id="go" onclick="document.getElementById('greeting').innerText='clicked'">Go</button>
	<button id="off" disabled>Off</button>
	<div id="host"></div>
	<script>
		const root = document.getElementById("host").attachShadow({mode: "open"});
		root.innerHTML = '<span class="inner">shadow text</span>';
	</script>
</body></html>`

// launchForTest starts a real browser or skips the test.
func launchForTest(t *testing.T) *Page {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	path, err := browser.FindChrome("")
	if err != nil {
		t.Skip("chrome not available")
	}

	opts := browser.LaunchOptions{
		ChromePath:   path,
		UserDataDir:  t.TempDir(),
		Headless:     true,
		StartTimeout: 30 * time.Second,
	}
	page, err := Launch(context.Background(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = page.Close() })
	return page
}

func TestPageAgainstChrome(t *testing.T) {
	page := launchForTest(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, fixture)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, page.Navigate(ctx, srv.URL))

	title, err := page.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Fixture", title)

	t.Run("FindAndRead", func(t *testing.T) {
		els, err := page.FindAll(ctx, browser.ID("greeting"))
		require.NoError(t, err)
		require.Len(t, els, 1)
		text, err := els[0].Text(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Hello wallet", text)

		byXPath, err := page.FindAll(ctx, browser.XPath("//p"))
		require.NoError(t, err)
		assert.Len(t, byXPath, 2)

		none, err := page.FindAll(ctx, browser.CSS(".missing"))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Visibility", func(t *testing.T) {
		hidden, err := page.FindAll(ctx, browser.Class("hidden"))
		require.NoError(t, err)
		require.Len(t, hidden, 1)
		shown, err := hidden[0].Displayed(ctx)
		require.NoError(t, err)
		assert.False(t, shown)

		off, err := page.FindAll(ctx, browser.ID("off"))
		require.NoError(t, err)
		enabled, err := off[0].Enabled(ctx)
		require.NoError(t, err)
		assert.False(t, enabled)
	})

	t.Run("Input", func(t *testing.T) {
		els, err := page.FindAll(ctx, browser.Name("amount"))
		require.NoError(t, err)
		require.Len(t, els, 1)
		require.NoError(t, els[0].Clear(ctx))
		require.NoError(t, els[0].Type(ctx, "0.001"))

		var value string
		require.NoError(t, page.Evaluate(ctx, `document.querySelector("[name=amount]").value`, &value))
		assert.Equal(t, "0.001", value)
	})

	t.Run("Click", func(t *testing.T) {
		els, err := page.FindAll(ctx, browser.ID("go"))
		require.NoError(t, err)
		require.NoError(t, els[0].Click(ctx))

		var text string
		require.NoError(t, page.Evaluate(ctx, `document.getElementById("greeting").innerText`, &text))
		assert.Equal(t, "clicked", text)
	})

	t.Run("ShadowRoot", func(t *testing.T) {
		hosts, err := page.FindAll(ctx, browser.ID("host"))
		require.NoError(t, err)
		root, err := hosts[0].ShadowRoot(ctx)
		require.NoError(t, err)
		inner, err := root.FindAll(ctx, browser.Class("inner"))
		require.NoError(t, err)
		require.Len(t, inner, 1)
		text, err := inner[0].Text(ctx)
		require.NoError(t, err)
		assert.Equal(t, "shadow text", text)

		greeting, err := page.FindAll(ctx, browser.ID("greeting"))
		require.NoError(t, err)
		_, err = greeting[0].ShadowRoot(ctx)
		assert.ErrorIs(t, err, browser.ErrNoShadowRoot)
	})

	t.Run("StaleAfterReload", func(t *testing.T) {
		els, err := page.FindAll(ctx, browser.ID("greeting"))
		require.NoError(t, err)
		require.NoError(t, page.Reload(ctx))
		_, err = els[0].Text(ctx)
		assert.ErrorIs(t, err, browser.ErrStale)
	})

	t.Run("Tabs", func(t *testing.T) {
		first := page.CurrentTab()
		tab, err := page.NewTab(ctx, srv.URL)
		require.NoError(t, err)
		assert.Equal(t, tab.ID, page.CurrentTab())

		tabs, err := page.Tabs(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(tabs), 2)

		require.NoError(t, page.SwitchTab(ctx, first))
		assert.Equal(t, first, page.CurrentTab())
		require.NoError(t, page.CloseTab(ctx, tab.ID))

		assert.ErrorIs(t, page.SwitchTab(ctx, tab.ID), browser.ErrNoSuchTab)
	})

	t.Run("Screenshot", func(t *testing.T) {
		png, err := page.Screenshot(ctx)
		require.NoError(t, err)
		assert.Greater(t, len(png), 8)
		assert.Equal(t, "\x89PNG", string(png[:4]))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, ccancel := context.WithCancel(ctx)
		ccancel()
		_, err := page.URL(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	assert.NoError(t, page.Close())
	assert.NoError(t, page.Close())
}
