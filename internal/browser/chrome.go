// internal/browser/chrome.go
package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// ErrChromeNotFound means no Chrome or Chromium binary could be located.
var ErrChromeNotFound = errors.New("chrome executable not found")

var lookPath = exec.LookPath

// FindChrome returns the configured binary when set, otherwise the first
// well-known Chrome or Chromium binary found on this system.
func FindChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("%w: %s", ErrChromeNotFound, configured)
		}
		return configured, nil
	}

	for _, name := range candidates() {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrChromeNotFound
}

func candidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"google-chrome",
			"chromium",
		}
	case "windows":
		return []string{
			"chrome",
			"chrome.exe",
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	default:
		return []string{
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
			"headless_shell",
		}
	}
}
