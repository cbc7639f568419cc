// internal/runner/runner.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/browser/cdp"
	"github.com/xkilldash9x/chromefleet/internal/browser/session"
	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/layout"
	"github.com/xkilldash9x/chromefleet/internal/lock"
	"github.com/xkilldash9x/chromefleet/internal/network"
	"github.com/xkilldash9x/chromefleet/internal/observability"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
	"github.com/xkilldash9x/chromefleet/internal/profile"
	"github.com/xkilldash9x/chromefleet/internal/store"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

// recordTimeout bounds the ledger write after a run, which happens even when
// the run itself was cancelled.
const recordTimeout = 5 * time.Second

// -- Interfaces for Dependency Inversion --

// Launcher starts one browser process.
type Launcher interface {
	Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Page, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, opts browser.LaunchOptions) (browser.Page, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Page, error) {
	return f(ctx, opts)
}

// CDPLauncher launches Chrome through chromedp.
func CDPLauncher(logger *zap.Logger) Launcher {
	return LauncherFunc(func(ctx context.Context, opts browser.LaunchOptions) (browser.Page, error) {
		p, err := cdp.Launch(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// ProxyChecker verifies that an upstream proxy answers.
type ProxyChecker interface {
	Check(ctx context.Context, p network.Proxy) (string, error)
}

// forwarder is the local end of an authenticated proxy chain.
type forwarder interface {
	Start(ctx context.Context, host string) (string, error)
	Close() error
}

// HoldFunc keeps a setup browser open until the operator is done with it.
type HoldFunc func(ctx context.Context, profile string) error

// Runner opens browsers for profiles and hands them to the worker.
type Runner struct {
	cfg    config.Interface
	logger *zap.Logger
	worker *worker.Worker

	launcher     Launcher
	locker       *lock.Locker
	dirs         *profile.Dirs
	ledger       store.Ledger
	checker      ProxyChecker
	newForwarder func(network.Proxy, *zap.Logger) forwarder
	sessionOpts  []session.Option
	screen       layout.Screen
	hold         HoldFunc
	now          func() time.Time
	extensions   []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLauncher replaces the chromedp launcher.
func WithLauncher(l Launcher) Option {
	return func(r *Runner) { r.launcher = l }
}

// WithLedger records every run in l.
func WithLedger(l store.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithProxyChecker replaces the HTTP proxy health check.
func WithProxyChecker(c ProxyChecker) Option {
	return func(r *Runner) { r.checker = c }
}

// WithSessionOptions passes opts to every session, after the runner's own.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Runner) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithScreen sets the screen the window matrix tiles.
func WithScreen(s layout.Screen) Option {
	return func(r *Runner) { r.screen = s }
}

// WithHold replaces how setup browsers are held open.
func WithHold(h HoldFunc) Option {
	return func(r *Runner) { r.hold = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithExtensions sets the unpacked extension directories to load, skipping
// resolution from the browser configuration.
func WithExtensions(dirs ...string) Option {
	return func(r *Runner) { r.extensions = dirs }
}

// New builds a Runner. Extensions named in the browser configuration are
// resolved and unpacked here so a missing package fails before any browser
// starts.
func New(cfg config.Interface, logger *zap.Logger, w *worker.Worker, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if w == nil {
		return nil, errors.New("worker cannot be nil")
	}

	logger = logger.With(observability.Component("runner"))
	data := cfg.Data()
	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		worker:  w,
		locker:  lock.New(cfg.Lock(), lock.WithLogger(logger)),
		dirs:    profile.NewDirs(data.UserDataDir),
		ledger:  store.Nop{},
		checker: network.NewChecker(cfg.Proxy(), logger),
		newForwarder: func(p network.Proxy, l *zap.Logger) forwarder {
			return network.NewForwarder(p, l)
		},
		screen: layout.FallbackScreen,
		now:    time.Now,
	}
	r.launcher = CDPLauncher(logger)
	r.hold = TerminalHold(cfg.Runner().HoldTimeout, logger)
	for _, opt := range opts {
		opt(r)
	}

	if r.extensions == nil {
		bc := cfg.Browser()
		paths, err := browser.ResolveExtensions(bc.ExtensionsDir, bc.Extensions)
		if err != nil {
			return nil, err
		}
		if r.extensions, err = browser.PrepareExtensions(paths, filepath.Join(bc.ExtensionsDir, ".unpacked")); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Job is one browser run.
type Job struct {
	Profile profile.Profile
	Peers   []profile.Profile
	Task    string
	Mode    worker.Mode
	// Grid holds the profile's cell. RunBrowser releases it when done.
	Grid *layout.Grid
	Cell layout.Cell
}

// Outcome is how one run ended.
type Outcome struct {
	Profile  string
	Status   store.Status
	Err      error
	Started  time.Time
	Finished time.Time
	Details  map[string]any
}

// Duration is the wall time of the run.
func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// RunBrowser runs job from lock to teardown. Whatever happens, the browser is
// closed, the lock and the grid cell are released and the run is recorded.
func (r *Runner) RunBrowser(ctx context.Context, job Job) (out Outcome) {
	name := job.Profile.Name
	logger := observability.ForProfile(r.logger, name)
	out = Outcome{Profile: name, Started: r.now()}

	if job.Grid != nil {
		defer job.Grid.Release(name)
	}
	defer func() {
		out.Finished = r.now()
		r.record(ctx, job, out, logger)
	}()

	out.Details, out.Err = r.runLocked(ctx, job, logger)
	out.Status = statusOf(out.Err)
	switch out.Status {
	case store.StatusSuccess:
		logger.Info("Run finished.", observability.Op("run"))
	case store.StatusStopped:
		logger.Info("Run stopped.", observability.Op("run"), zap.Error(out.Err))
	default:
		logger.Error("Run failed.", observability.Op("run"), zap.Error(out.Err))
	}
	return out
}

func (r *Runner) runLocked(ctx context.Context, job Job, logger *zap.Logger) (map[string]any, error) {
	name := job.Profile.Name
	if err := profile.ValidName(name); err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	lk, err := r.locker.Acquire(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to lock profile: %w", err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.Warn("Could not release lock.", zap.Error(err))
		}
	}()

	proxyServer, closeProxy, err := r.proxyFor(ctx, job.Profile, logger)
	if err != nil {
		return nil, err
	}
	defer closeProxy()

	opts := browser.LaunchOptionsFrom(r.cfg.Browser())
	opts.UserDataDir = r.dirs.Path(name)
	opts.Extensions = r.extensions
	opts.ProxyServer = proxyServer
	if job.Grid != nil {
		opts.ScaleFactor = job.Grid.ScaleFactor()
		rect := job.Grid.Bounds(job.Cell)
		opts.Window = &browser.Bounds{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}
	}

	logger.Info("Opening Chrome.", observability.Op("launch"), zap.Stringer("cell", job.Cell))
	page, err := r.launcher.Launch(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	defer r.closeBrowser(ctx, page, logger)

	data := r.cfg.Data()
	sopts := append([]session.Option{
		session.WithLogger(r.logger),
		session.WithInteraction(r.cfg.Interaction()),
		session.WithSnapshotDir(data.SnapshotDir),
	}, r.sessionOpts...)
	sess := session.New(page, name, sopts...)

	wjob := worker.Job{Session: sess, Profile: job.Profile, Peers: peersOf(job.Peers, name)}
	res, err := r.worker.Dispatch(ctx, job.Mode, job.Task, wjob)
	if err != nil {
		return res.Details, err
	}
	if job.Mode == worker.ModeSetup {
		if err := r.hold(ctx, name); err != nil {
			return nil, err
		}
	}
	return res.Details, nil
}

// proxyFor returns the --proxy-server value for p. Authenticated upstreams
// go through a local forwarder since Chrome cannot take credentials on the
// command line. A proxy that fails its check is skipped.
func (r *Runner) proxyFor(ctx context.Context, p profile.Profile, logger *zap.Logger) (string, func(), error) {
	nop := func() {}
	if !p.HasProxy() {
		return "", nop, nil
	}
	upstream, err := network.ParseProxy(p.Proxy)
	if err != nil {
		return "", nop, err
	}

	logger.Info("Checking proxy.", observability.Op("proxy"), zap.Stringer("proxy", upstream))
	ip, err := r.checker.Check(ctx, upstream)
	if err != nil {
		if ctx.Err() != nil {
			return "", nop, ctx.Err()
		}
		logger.Warn("Proxy is not working, continuing without it.", observability.Op("proxy"), zap.Error(err))
		return "", nop, nil
	}
	logger.Info("Proxy is working.", observability.Op("proxy"), zap.String("ip", ip))

	if !upstream.HasAuth() {
		return "http://" + upstream.Addr(), nop, nil
	}
	fwd := r.newForwarder(upstream, logger)
	addr, err := fwd.Start(ctx, r.cfg.Proxy().ListenHost)
	if err != nil {
		return "", nop, fmt.Errorf("failed to start proxy forwarder: %w", err)
	}
	return "http://" + addr, func() {
		if err := fwd.Close(); err != nil {
			logger.Debug("Proxy forwarder close failed.", zap.Error(err))
		}
	}, nil
}

func (r *Runner) closeBrowser(ctx context.Context, page browser.Page, logger *zap.Logger) {
	// A cancelled run closes at once.
	_ = pacing.SleepContext(ctx, r.cfg.Runner().CloseDelay)
	logger.Info("Closing browser.", observability.Op("close"))
	if err := page.Close(); err != nil {
		logger.Warn("Browser did not close cleanly.", zap.Error(err))
	}
}

func (r *Runner) record(ctx context.Context, job Job, out Outcome, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	run := store.Run{
		Profile:    out.Profile,
		Task:       job.Task,
		Mode:       string(job.Mode),
		Status:     out.Status,
		Details:    out.Details,
		StartedAt:  out.Started,
		FinishedAt: out.Finished,
	}
	if out.Err != nil {
		run.Error = out.Err.Error()
	}
	if err := r.ledger.Record(ctx, run); err != nil {
		logger.Warn("Could not record run.", zap.Error(err))
	}
}

// statusOf maps a run error to its ledger status. A deliberate snapshot stop
// and a cancelled run are not failures.
func statusOf(err error) store.Status {
	switch {
	case err == nil:
		return store.StatusSuccess
	case errors.Is(err, session.ErrStopped), errors.Is(err, context.Canceled):
		return store.StatusStopped
	default:
		return store.StatusFailed
	}
}

// peersOf returns all without the profile called self.
func peersOf(all []profile.Profile, self string) []profile.Profile {
	peers := make([]profile.Profile, 0, len(all))
	for _, p := range all {
		if p.Name != self {
			peers = append(peers, p)
		}
	}
	return peers
}
