// Package lock serializes access to a profile's user-data directory through a
// lock file next to it. A profile holds at most one lock file at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/config"
)

var (
	// ErrTimeout is returned when a lock stays held past the wait timeout.
	ErrTimeout = errors.New("lock: profile is still locked")

	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)
)

// PathFor returns the lock file path of a profile inside dir.
func PathFor(dir, profile string) string {
	return filepath.Join(dir, unsafeChars.ReplaceAllString(profile, "_")+".lock")
}

// Owner is the content of a lock file.
type Owner struct {
	Profile  string    `json:"profile"`
	PID      int       `json:"pid"`
	Host     string    `json:"host"`
	Acquired time.Time `json:"acquired"`
}

// Locker creates and waits on profile lock files.
type Locker struct {
	dir        string
	staleAfter time.Duration
	poll       time.Duration
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock replaces time.Now, used to age lock files in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) { l.logger = logger.Named("lock") }
}

// New creates a Locker from the lock configuration.
func New(cfg config.LockConfig, opts ...Option) *Locker {
	l := &Locker{
		dir:        cfg.Dir,
		staleAfter: cfg.StaleAfter,
		poll:       cfg.PollInterval,
		timeout:    cfg.Timeout,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.poll <= 0 {
		l.poll = 10 * time.Second
	}
	return l
}

// Path returns the lock file of profile.
func (l *Locker) Path(profile string) string {
	return PathFor(l.dir, profile)
}

// Held reports whether a lock file currently exists for profile.
func (l *Locker) Held(profile string) bool {
	_, err := os.Stat(l.Path(profile))
	return err == nil
}

// WaitUntilFree blocks until profile has no lock file. A lock file older than
// the stale age is removed first. ErrTimeout is returned once the timeout
// elapses with the lock still present.
func (l *Locker) WaitUntilFree(ctx context.Context, profile string) error {
	path := l.Path(profile)
	logger := l.logger.With(zap.String("profile", profile))

	l.removeStale(path, logger)

	start := l.now()
	for {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if l.now().Sub(start) > l.timeout {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, profile, l.timeout)
		}
		logger.Info("Profile is busy, waiting.", zap.Duration("poll", l.poll))

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Locker) removeStale(path string, logger *zap.Logger) {
	if l.staleAfter <= 0 {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if age := l.now().Sub(info.ModTime()); age > l.staleAfter {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove stale lock.", zap.Error(err))
			return
		}
		logger.Info("Removed stale lock.", zap.Duration("age", age))
	}
}

// Acquire waits for the profile to be free and creates its lock file. The
// file is created exclusively, so a second process racing for the same
// profile goes back to waiting.
func (l *Locker) Acquire(ctx context.Context, profile string) (*Lock, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: failed to create %s: %w", l.dir, err)
	}
	path := l.Path(profile)

	for {
		if err := l.WaitUntilFree(ctx, profile); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock: failed to create %s: %w", path, err)
		}

		host, _ := os.Hostname()
		owner := Owner{Profile: profile, PID: os.Getpid(), Host: host, Acquired: l.now().UTC()}
		werr := json.NewEncoder(f).Encode(owner)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("lock: failed to write %s: %w", path, werr)
		}
		l.logger.Debug("Lock acquired.", zap.String("profile", profile), zap.String("path", path))
		return &Lock{path: path, profile: profile, logger: l.logger}, nil
	}
}

// ReadOwner decodes the lock file of profile.
func (l *Locker) ReadOwner(profile string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(l.Path(profile))
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("lock: malformed lock file: %w", err)
	}
	return owner, nil
}

// Lock is a held profile lock.
type Lock struct {
	path    string
	profile string
	logger  *zap.Logger
	once    sync.Once
	err     error
}

// Path returns the lock file path.
func (k *Lock) Path() string { return k.path }

// Release removes the lock file. Calling it more than once is harmless.
func (k *Lock) Release() error {
	k.once.Do(func() {
		if err := os.Remove(k.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			k.err = fmt.Errorf("lock: failed to release %s: %w", k.path, err)
			return
		}
		k.logger.Debug("Lock released.", zap.String("profile", k.profile))
	})
	return k.err
}
