// internal/browser/session/session.go
// Package session is the per-profile automation surface. Every primitive waits
// a jittered pause, then retries its lookup or action against the live page
// until a deadline, treating stale and not-yet-rendered elements as transient.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/observability"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
)

// Errors reported by session primitives.
var (
	// ErrTimeout is returned when a bounded retry runs out of time. The last
	// transient cause is joined to it.
	ErrTimeout = errors.New("operation timed out")
	// ErrStopped ends a flow on purpose after a snapshot.
	ErrStopped = errors.New("flow stopped")
	// ErrStillPresent means an element did not disappear in time.
	ErrStillPresent = errors.New("element is still present")
	// ErrEmptyText means the element was found but holds no text.
	ErrEmptyText = errors.New("element has no text")
	// ErrNothingToType rejects an empty input value.
	ErrNothingToType = errors.New("no text to type")
	// ErrLastTab refuses to close the only open tab.
	ErrLastTab = errors.New("refusing to close the last tab")
	// ErrInvalidMethod rejects unknown navigation methods.
	ErrInvalidMethod = errors.New("invalid navigation method")
	// ErrInvalidSelectors rejects shadow paths shorter than two locators.
	ErrInvalidSelectors = errors.New("shadow path needs at least two locators")
	// ErrAIUnavailable means no working vision helper is configured.
	ErrAIUnavailable = errors.New("ai helper is not available")
)

// Notifier delivers screenshots to the operator.
type Notifier interface {
	Valid() bool
	SendPhoto(ctx context.Context, png []byte, caption string) error
}

// Vision answers prompts about the page, optionally with a screenshot.
type Vision interface {
	Valid() bool
	Ask(ctx context.Context, prompt string, png []byte) (string, error)
}

// Session drives one browser window on behalf of one profile.
type Session struct {
	id      string
	profile string
	page    browser.Page
	logger  *zap.Logger

	pacer       *pacing.Pacer
	gap         float64
	notifier    Notifier
	vision      Vision
	snapshotDir string
	now         func() time.Time

	wait      time.Duration
	timeout   time.Duration
	poll      time.Duration
	typeDelay time.Duration
	tabPoll   time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithNotifier sends snapshots to n instead of writing them to disk while n is valid.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithVision enables AskAI.
func WithVision(v Vision) Option {
	return func(s *Session) { s.vision = v }
}

// WithPacer replaces the default pacer.
func WithPacer(p *pacing.Pacer) Option {
	return func(s *Session) {
		if p != nil {
			s.pacer = p
		}
	}
}

// WithSnapshotDir sets where snapshots are written when no notifier is available.
func WithSnapshotDir(dir string) Option {
	return func(s *Session) { s.snapshotDir = dir }
}

// WithLogger sets the parent logger. The session scopes it to its profile.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInteraction applies the interaction defaults from configuration.
func WithInteraction(cfg config.InteractionConfig) Option {
	return func(s *Session) {
		if cfg.Wait >= 0 {
			s.wait = cfg.Wait
		}
		if cfg.Timeout > 0 {
			s.timeout = cfg.Timeout
		}
		if cfg.PollInterval > 0 {
			s.poll = cfg.PollInterval
		}
		if cfg.TypeDelay >= 0 {
			s.typeDelay = cfg.TypeDelay
		}
		if cfg.TabPoll > 0 {
			s.tabPoll = cfg.TabPoll
		}
		if cfg.Jitter >= 0 && cfg.Jitter < 1 {
			s.gap = cfg.Jitter
		}
	}
}

// WithClock overrides time.Now for snapshot names and captions.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session for profile on page.
func New(page browser.Page, profile string, opts ...Option) *Session {
	s := &Session{
		id:          uuid.New().String(),
		profile:     profile,
		page:        page,
		logger:      zap.NewNop(),
		snapshotDir: "snapshot",
		now:         time.Now,
		wait:        3 * time.Second,
		timeout:     30 * time.Second,
		poll:        500 * time.Millisecond,
		typeDelay:   200 * time.Millisecond,
		tabPoll:     2 * time.Second,
		gap:         pacing.DefaultGap,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.ForProfile(s.logger.Named("session"), profile).
		With(zap.String("session_id", s.id))
	if s.pacer == nil {
		s.pacer = pacing.New(pacing.WithGap(s.gap), pacing.WithLogger(s.logger))
	}
	return s
}

// ID returns the unique id of this session.
func (s *Session) ID() string { return s.id }

// Profile returns the profile name the session belongs to.
func (s *Session) Profile() string { return s.profile }

// Page exposes the underlying driver.
func (s *Session) Page() browser.Page { return s.page }

// Pacer exposes the session's source of randomness and delays.
func (s *Session) Pacer() *pacing.Pacer { return s.pacer }

// Logger returns the profile scoped logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// Log writes an informational line tagged with op.
func (s *Session) Log(op, msg string, fields ...zap.Field) {
	s.logger.Info(msg, append([]zap.Field{observability.Op(op)}, fields...)...)
}

// CallOption adjusts a single primitive call.
type CallOption func(*call)

type call struct {
	wait      time.Duration
	timeout   time.Duration
	parent    browser.Element
	quiet     bool
	typeDelay time.Duration
}

// WithWait sets the pause taken before the call acts.
func WithWait(d time.Duration) CallOption {
	return func(c *call) { c.wait = d }
}

// WithTimeout bounds the retry loop of the call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *call) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Within scopes lookups to the subtree of parent.
func Within(parent browser.Element) CallOption {
	return func(c *call) { c.parent = parent }
}

// Quiet demotes success logs to debug.
func Quiet() CallOption {
	return func(c *call) { c.quiet = true }
}

// WithTypeDelay sets the pause between typed characters.
func WithTypeDelay(d time.Duration) CallOption {
	return func(c *call) { c.typeDelay = d }
}

func (s *Session) newCall(opts []CallOption) call {
	c := call{wait: s.wait, timeout: s.timeout, typeDelay: s.typeDelay}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// success logs at info unless the call is quiet.
func (s *Session) success(c call, op, msg string, fields ...zap.Field) {
	fields = append([]zap.Field{observability.Op(op)}, fields...)
	if c.quiet {
		s.logger.Debug(msg, fields...)
		return
	}
	s.logger.Info(msg, fields...)
}

func (s *Session) failure(op, msg string, err error, fields ...zap.Field) {
	fields = append([]zap.Field{observability.Op(op), zap.Error(err)}, fields...)
	s.logger.Warn(msg, fields...)
}

// pause sleeps the jittered call wait.
func (s *Session) pause(ctx context.Context, c call) error {
	return s.pacer.Sleep(ctx, c.wait)
}

// transient reports whether err may clear up on a later attempt.
func transient(err error) bool {
	return errors.Is(err, browser.ErrStale) ||
		errors.Is(err, browser.ErrNotFound) ||
		errors.Is(err, browser.ErrNotInteractable) ||
		errors.Is(err, browser.ErrIntercepted) ||
		errors.Is(err, browser.ErrNoShadowRoot)
}

// retry runs attempt until it succeeds, fails permanently, or c.timeout
// elapses. Each attempt gets a context bounded by the overall deadline.
func (s *Session) retry(ctx context.Context, c call, what string, retryable func(error) bool, attempt func(context.Context) error) error {
	deadline := time.Now().Add(c.timeout)
	opCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var last error
	for {
		err := attempt(opCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opCtx.Err() == nil && !retryable(err) {
			return err
		}
		if !errors.Is(err, context.DeadlineExceeded) || last == nil {
			last = err
		}
		if opCtx.Err() != nil || !time.Now().Add(s.poll).Before(deadline) {
			return fmt.Errorf("%s after %s: %w (last error: %w)", what, c.timeout, ErrTimeout, last)
		}
		if err := pacing.SleepContext(opCtx, s.poll); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s after %s: %w (last error: %w)", what, c.timeout, ErrTimeout, last)
		}
	}
}
