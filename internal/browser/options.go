// internal/browser/options.go
package browser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/chromefleet/internal/config"
)

// LaunchOptions describe one Chrome process bound to a profile directory.
type LaunchOptions struct {
	ChromePath  string
	UserDataDir string
	Headless    bool
	DisableGPU  bool
	BlockMedia  bool
	Language    string
	ScaleFactor float64
	// Extensions are unpacked extension directories.
	Extensions []string
	// ProxyServer is passed to --proxy-server, e.g. "http://127.0.0.1:40123".
	ProxyServer string
	Args        []string
	Window      *Bounds
	// StartTimeout bounds the liveness check after launch.
	StartTimeout time.Duration
}

// LaunchOptionsFrom fills the browser wide settings from configuration.
func LaunchOptionsFrom(cfg config.BrowserConfig) LaunchOptions {
	return LaunchOptions{
		ChromePath:   cfg.ChromePath,
		Headless:     cfg.Headless,
		DisableGPU:   cfg.DisableGPU,
		BlockMedia:   cfg.BlockMedia,
		Language:     cfg.Language,
		ScaleFactor:  1,
		Args:         cfg.Args,
		StartTimeout: cfg.StartTimeout,
	}
}

// Flag is one command line switch. A false bool value removes the switch.
type Flag struct {
	Name  string
	Value any
}

// Flags computes the switches applied on top of chromedp's defaults, in order.
func Flags(o LaunchOptions) []Flag {
	lang := o.Language
	if lang == "" {
		lang = "en"
	}
	scale := o.ScaleFactor
	if scale <= 0 {
		scale = 1
	}

	flags := []Flag{
		// Hide the automation banner and the navigator.webdriver signal.
		{"enable-automation", false},
		{"disable-blink-features", "AutomationControlled"},
		{"lang", lang},
		{"mute-audio", true},
		{"no-first-run", true},
		{"force-device-scale-factor", strconv.FormatFloat(scale, 'f', -1, 64)},
		{"no-sandbox", true},
		{"disable-dev-shm-usage", true},
	}

	if o.Headless {
		flags = append(flags, Flag{"headless", "new"})
	} else {
		flags = append(flags, Flag{"headless", false}, Flag{"hide-scrollbars", false})
	}
	if o.DisableGPU {
		flags = append(flags, Flag{"disable-gpu", true})
	} else {
		flags = append(flags, Flag{"disable-gpu", false})
	}

	if len(o.Extensions) > 0 {
		list := strings.Join(o.Extensions, ",")
		flags = append(flags,
			Flag{"disable-extensions", false},
			Flag{"load-extension", list},
			Flag{"disable-extensions-except", list},
		)
	}
	if o.ProxyServer != "" {
		flags = append(flags, Flag{"proxy-server", o.ProxyServer})
	}
	if o.BlockMedia {
		flags = append(flags,
			Flag{"blink-settings", "imagesEnabled=false"},
			Flag{"autoplay-policy", "document-user-activation-required"},
		)
	}
	if o.Window != nil {
		flags = append(flags,
			Flag{"window-position", fmt.Sprintf("%d,%d", o.Window.X, o.Window.Y)},
			Flag{"window-size", fmt.Sprintf("%d,%d", o.Window.Width, o.Window.Height)},
		)
	}

	for _, arg := range o.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, Flag{name, parts[1]})
		} else {
			flags = append(flags, Flag{name, true})
		}
	}
	return flags
}

// AllocatorOptions builds the chromedp exec allocator options for o.
func AllocatorOptions(o LaunchOptions) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if o.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(o.ChromePath))
	}
	if o.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(o.UserDataDir))
	}
	for _, f := range Flags(o) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	return opts
}
