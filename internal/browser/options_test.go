// internal/browser/options_test.go
package browser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/chromefleet/internal/config"
)

// flagMap applies flags in order so later switches override earlier ones,
// the same way the exec allocator resolves them.
func flagMap(flags []Flag) map[string]any {
	m := make(map[string]any, len(flags))
	for _, f := range flags {
		m[f.Name] = f.Value
	}
	return m
}

func TestFlags(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		m := flagMap(Flags(LaunchOptions{}))
		assert.Equal(t, false, m["enable-automation"])
		assert.Equal(t, "AutomationControlled", m["disable-blink-features"])
		assert.Equal(t, "en", m["lang"])
		assert.Equal(t, "1", m["force-device-scale-factor"])
		assert.Equal(t, true, m["no-sandbox"])
		assert.Equal(t, true, m["disable-dev-shm-usage"])
		assert.Equal(t, false, m["headless"], "windows are visible unless headless is requested")
		assert.NotContains(t, m, "load-extension")
		assert.NotContains(t, m, "proxy-server")
		assert.NotContains(t, m, "blink-settings")
	})

	t.Run("Headless and GPU", func(t *testing.T) {
		m := flagMap(Flags(LaunchOptions{Headless: true, DisableGPU: true, ScaleFactor: 0.5}))
		assert.Equal(t, "new", m["headless"])
		assert.Equal(t, true, m["disable-gpu"])
		assert.Equal(t, "0.5", m["force-device-scale-factor"])
	})

	t.Run("Extensions, proxy and media", func(t *testing.T) {
		m := flagMap(Flags(LaunchOptions{
			Extensions:  []string{"/ext/a", "/ext/b"},
			ProxyServer: "http://127.0.0.1:4000",
			BlockMedia:  true,
		}))
		assert.Equal(t, false, m["disable-extensions"])
		assert.Equal(t, "/ext/a,/ext/b", m["load-extension"])
		assert.Equal(t, "/ext/a,/ext/b", m["disable-extensions-except"])
		assert.Equal(t, "http://127.0.0.1:4000", m["proxy-server"])
		assert.Equal(t, "imagesEnabled=false", m["blink-settings"])
	})

	t.Run("Window placement", func(t *testing.T) {
		m := flagMap(Flags(LaunchOptions{Window: &Bounds{X: 960, Y: 540, Width: 960, Height: 540}}))
		assert.Equal(t, "960,540", m["window-position"])
		assert.Equal(t, "960,540", m["window-size"])
	})

	t.Run("Custom args override", func(t *testing.T) {
		m := flagMap(Flags(LaunchOptions{Args: []string{"--lang=de", "--incognito", "--"}}))
		assert.Equal(t, "de", m["lang"])
		assert.Equal(t, true, m["incognito"])
		assert.NotContains(t, m, "")
	})
}

func TestAllocatorOptions(t *testing.T) {
	base := AllocatorOptions(LaunchOptions{})
	withPaths := AllocatorOptions(LaunchOptions{ChromePath: "/bin/chrome", UserDataDir: "/tmp/p1"})
	assert.Len(t, withPaths, len(base)+2)
	require.NotEmpty(t, base)
}

func TestLaunchOptionsFrom(t *testing.T) {
	cfg := config.BrowserConfig{
		ChromePath:   "/opt/chrome",
		Headless:     true,
		BlockMedia:   true,
		Language:     "en",
		Args:         []string{"--foo"},
		StartTimeout: time.Minute,
	}
	o := LaunchOptionsFrom(cfg)
	assert.Equal(t, "/opt/chrome", o.ChromePath)
	assert.True(t, o.Headless)
	assert.True(t, o.BlockMedia)
	assert.Equal(t, 1.0, o.ScaleFactor)
	assert.Equal(t, time.Minute, o.StartTimeout)
}

func TestLocators(t *testing.T) {
	assert.Equal(t, Locator{By: ByCSS, Value: "button"}, Tag("button"))
	assert.Equal(t, `[id="quests"]`, ID("quests").Value)
	assert.Equal(t, `[name="amount"]`, Name("amount").Value)
	assert.Equal(t, `[class~="text-nowrap"]`, Class("text-nowrap").Value)
	assert.Equal(t, `[id="a\"b"]`, ID(`a"b`).Value)
	assert.Equal(t, "xpath=//p", XPath("//p").String())

	assert.NoError(t, CSS("div").Validate())
	assert.Error(t, CSS("").Validate())
	assert.Error(t, Locator{By: "link text", Value: "x"}.Validate())
	assert.True(t, Locator{}.IsZero())
}
