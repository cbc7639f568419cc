// Package pacing provides the randomized waits used between browser actions.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultGap is the relative spread applied by Jitter.
	DefaultGap = 0.4
	// FallbackDelay replaces negative or otherwise invalid durations.
	FallbackDelay = 5 * time.Second
)

// Pacer produces jittered delays. It is safe for concurrent use.
type Pacer struct {
	gap    float64
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithGap sets the relative spread. Values outside [0, 1) are ignored.
func WithGap(gap float64) Option {
	return func(p *Pacer) {
		if gap >= 0 && gap < 1 {
			p.gap = gap
		}
	}
}

// WithSeed makes the sequence of delays reproducible.
func WithSeed(seed int64) Option {
	return func(p *Pacer) {
		p.rng = rand.New(rand.NewSource(seed))
	}
}

// WithLogger sets the logger used to report invalid durations.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pacer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a Pacer with the default gap.
func New(opts ...Option) *Pacer {
	p := &Pacer{
		gap:    DefaultGap,
		logger: zap.NewNop(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Gap returns the configured spread.
func (p *Pacer) Gap() float64 { return p.gap }

// Jitter returns a duration drawn uniformly from [d*(1-gap), d*(1+gap)].
func (p *Pacer) Jitter(d time.Duration) time.Duration {
	d = p.sanitize(d)
	if d == 0 || p.gap == 0 {
		return d
	}
	p.mu.Lock()
	f := p.rng.Float64()
	p.mu.Unlock()
	lo := float64(d) * (1 - p.gap)
	hi := float64(d) * (1 + p.gap)
	return time.Duration(lo + f*(hi-lo))
}

// Between returns a duration drawn uniformly from [lo, hi].
func (p *Pacer) Between(lo, hi time.Duration) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	p.mu.Lock()
	n := p.rng.Int63n(int64(hi-lo) + 1)
	p.mu.Unlock()
	return lo + time.Duration(n)
}

// Float returns a value drawn uniformly from [lo, hi).
func (p *Pacer) Float(lo, hi float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + p.rng.Float64()*(hi-lo)
}

// Intn returns a value in [0, n). n must be positive.
func (p *Pacer) Intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}

// Sleep waits for the jittered value of d or until ctx is done.
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) error {
	return SleepContext(ctx, p.Jitter(d))
}

// SleepFixed waits exactly d (after sanitizing) or until ctx is done.
func (p *Pacer) SleepFixed(ctx context.Context, d time.Duration) error {
	return SleepContext(ctx, p.sanitize(d))
}

func (p *Pacer) sanitize(d time.Duration) time.Duration {
	if d < 0 {
		p.logger.Warn("Invalid delay, using fallback.",
			zap.Duration("requested", d),
			zap.Duration("fallback", FallbackDelay))
		return FallbackDelay
	}
	return d
}

// SleepContext blocks for d unless ctx finishes first, in which case the
// context error is returned.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Deadline returns a function reporting whether time remains before d elapses.
func Deadline(d time.Duration) func() bool {
	end := time.Now().Add(d)
	return func() bool {
		return time.Now().Before(end)
	}
}
