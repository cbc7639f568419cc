// -- cmd/components.go --
package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/browser/session"
	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/layout"
	"github.com/xkilldash9x/chromefleet/internal/llmclient"
	"github.com/xkilldash9x/chromefleet/internal/notify"
	"github.com/xkilldash9x/chromefleet/internal/profile"
	"github.com/xkilldash9x/chromefleet/internal/runner"
	"github.com/xkilldash9x/chromefleet/internal/store"
	"github.com/xkilldash9x/chromefleet/internal/tasks/wallet"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

// builder creates the long lived components for one command execution.
type builder func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error)

// components holds everything a run needs. Shutdown releases what was opened.
type components struct {
	Runner   *runner.Runner
	Worker   *worker.Worker
	Ledger   store.Ledger
	Notifier *notify.Telegram
	Vision   *llmclient.GeminiClient

	closers []func()
}

// Shutdown releases the components in reverse order of creation.
func (c *components) Shutdown() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// initializeComponents wires the ledger, the optional Telegram and Gemini
// helpers, the task registry and the runner. The helpers are best effort: a
// bad token only disables them.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}

	if path, err := browser.FindChrome(cfg.Browser().ChromePath); err != nil {
		if cfg.Browser().ChromePath != "" {
			return c, err
		}
		logger.Warn("No Chrome binary found, launches rely on the driver's lookup", zap.Error(err))
	} else {
		logger.Info("Using Chrome", zap.String("path", path))
	}

	ledger, closeLedger, err := store.Open(ctx, cfg.Database().URL, logger)
	if err != nil {
		return c, fmt.Errorf("failed to open run ledger: %w", err)
	}
	c.Ledger = ledger
	c.closers = append(c.closers, closeLedger)

	var sessionOpts []session.Option
	if c.Notifier = newNotifier(ctx, cfg, logger); c.Notifier != nil {
		sessionOpts = append(sessionOpts, session.WithNotifier(c.Notifier))
	}
	if c.Vision = newVision(ctx, cfg, logger); c.Vision != nil {
		sessionOpts = append(sessionOpts, session.WithVision(c.Vision))
	}

	c.Worker = worker.New(logger, worker.WithTasks(wallet.New(cfg.Wallet())))
	if task := cfg.Runner().Task; !c.Worker.Has(task) {
		return c, fmt.Errorf("%w: %q (registered: %v)", worker.ErrUnknownTask, task, c.Worker.Names())
	}

	c.Runner, err = runner.New(cfg, logger, c.Worker,
		runner.WithLedger(ledger),
		runner.WithSessionOptions(sessionOpts...),
		runner.WithScreen(layout.DetectScreen()),
	)
	if err != nil {
		return c, fmt.Errorf("failed to initialize runner: %w", err)
	}
	return c, nil
}

func newNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) *notify.Telegram {
	tc := cfg.Notify().Telegram
	if tc.Spec == "" {
		return nil
	}
	spec, err := notify.ParseSpec(tc.Spec)
	if err != nil {
		logger.Warn("Telegram bot disabled, snapshots are saved to disk", zap.Error(err))
		return nil
	}
	t := notify.NewTelegram(spec, tc, logger)
	if err := t.Verify(ctx); err != nil {
		logger.Warn("Telegram bot could not be verified, snapshots are saved to disk", zap.Error(err))
	}
	return t
}

func newVision(ctx context.Context, cfg *config.Config, logger *zap.Logger) *llmclient.GeminiClient {
	gc := cfg.AI().Gemini
	if gc.APIKey == "" {
		return nil
	}
	client, err := llmclient.NewGeminiClient(ctx, gc, logger)
	if err != nil {
		logger.Warn("Gemini client disabled", zap.Error(err))
		return nil
	}
	if err := client.Verify(ctx); err != nil {
		logger.Warn("Gemini API key could not be verified", zap.Error(err))
	}
	return client
}

// loadProfiles reads the data file. A missing file yields no profiles.
func loadProfiles(cfg *config.Config) ([]profile.Profile, error) {
	data := cfg.Data()
	profiles, err := profile.Load(data.DataFile, data.Fields...)
	if errors.Is(err, profile.ErrNoData) {
		return nil, nil
	}
	return profiles, err
}

// pickProfiles returns the profiles named in names, in the order given and
// without repeats. No names selects all of them.
func pickProfiles(all []profile.Profile, names []string) ([]profile.Profile, error) {
	if len(names) == 0 {
		unique, _ := profile.Unique(all)
		return unique, nil
	}
	byName := make(map[string]profile.Profile, len(all))
	for _, p := range all {
		if _, ok := byName[p.Name]; !ok {
			byName[p.Name] = p
		}
	}
	picked := make([]profile.Profile, 0, len(names))
	var unknown []string
	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		picked = append(picked, p)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %v", errUnknownProfile, unknown)
	}
	picked, _ = profile.Unique(picked)
	return picked, nil
}

var (
	errUnknownProfile = errors.New("profile not found in data file")
	errNoProfiles     = errors.New("no profiles to run, check data.data_file")
	errRunFailed      = errors.New("some profiles failed")
)
