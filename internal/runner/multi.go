// internal/runner/multi.go
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/chromefleet/internal/layout"
	"github.com/xkilldash9x/chromefleet/internal/observability"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
	"github.com/xkilldash9x/chromefleet/internal/profile"
	"github.com/xkilldash9x/chromefleet/internal/store"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

// Plan is a batch of profiles to run.
type Plan struct {
	Task     string
	Profiles []profile.Profile
	// Peers is the pool tasks pick counterparties from. Defaults to Profiles.
	Peers []profile.Profile
}

func (p Plan) peers() []profile.Profile {
	if p.Peers != nil {
		return p.Peers
	}
	return p.Profiles
}

// Summary reports a batch.
type Summary struct {
	Outcomes []Outcome
	// Skipped profiles already completed the task today.
	Skipped []string
	// NotStarted profiles were still queued when the batch was cancelled.
	NotStarted []string
	// Repeated names appeared more than once in the plan and ran once.
	Repeated []string
}

// Count returns how many runs ended with status.
func (s Summary) Count(status store.Status) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the failed runs.
func (s Summary) Failed() []Outcome {
	var failed []Outcome
	for _, o := range s.Outcomes {
		if o.Status == store.StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d run: %d succeeded, %d stopped, %d failed",
		len(s.Outcomes), s.Count(store.StatusSuccess), s.Count(store.StatusStopped), s.Count(store.StatusFailed))
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped", len(s.Skipped))
	}
	if len(s.NotStarted) > 0 {
		fmt.Fprintf(&b, ", %d not started", len(s.NotStarted))
	}
	if len(s.Repeated) > 0 {
		fmt.Fprintf(&b, ", %d repeated", len(s.Repeated))
	}
	return b.String()
}

// collector gathers outcomes from concurrent runs.
type collector struct {
	mu  sync.Mutex
	sum Summary
}

func (c *collector) add(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sum.Outcomes = append(c.sum.Outcomes, o)
}

// RunMulti runs the plan in auto mode with up to runner.max_concurrent
// browsers tiled on the screen. Profiles start in order; the head of the
// queue waits for a free cell and launches are spaced by launch_delay. One
// profile failing never stops the others. A cancelled ctx stops queueing and
// waits for the running browsers to close.
func (r *Runner) RunMulti(ctx context.Context, plan Plan) (Summary, error) {
	rc := r.cfg.Runner()
	queue, repeated := r.unique(plan.Profiles)
	queue, skipped := r.pending(ctx, plan.Task, queue)
	c := &collector{sum: Summary{Skipped: skipped, Repeated: repeated}}
	if len(queue) == 0 {
		r.logger.Info("Nothing to run.", zap.Int("skipped", len(skipped)))
		return c.sum, nil
	}

	maxConcurrent := max(rc.MaxConcurrent, 1)
	grid := layout.ForProfiles(len(queue), maxConcurrent, r.screen)
	limit := rate.Inf
	if rc.LaunchDelay > 0 {
		limit = rate.Every(rc.LaunchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	r.logger.Info("Starting batch.",
		zap.String("task", plan.Task),
		zap.Int("profiles", len(queue)),
		zap.Int("max_concurrent", maxConcurrent),
		zap.Int("rows", grid.Rows()),
		zap.Int("cols", grid.Cols()))

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	peers := plan.peers()

	for i, p := range queue {
		cell, err := r.waitForCell(ctx, grid, p.Name)
		if err == nil {
			if err = limiter.Wait(ctx); err != nil {
				grid.Release(p.Name)
			}
		}
		if err != nil {
			for _, rest := range queue[i:] {
				c.sum.NotStarted = append(c.sum.NotStarted, rest.Name)
			}
			break
		}

		job := Job{Profile: p, Peers: peers, Task: plan.Task, Mode: worker.ModeAuto, Grid: grid, Cell: cell}
		g.Go(func() error {
			c.add(r.RunBrowser(ctx, job))
			return nil
		})
	}

	_ = g.Wait()
	r.logger.Info("Batch finished.", zap.Stringer("summary", c.sum))
	return c.sum, ctx.Err()
}

// waitForCell blocks until profile holds a cell of grid, checking again
// every cell_poll and whenever a cell is released.
func (r *Runner) waitForCell(ctx context.Context, grid *layout.Grid, name string) (layout.Cell, error) {
	poll := r.cfg.Runner().CellPoll
	if poll <= 0 {
		poll = 10 * time.Second
	}
	for {
		released := grid.Released()
		cell, err := grid.Acquire(name)
		if err == nil {
			return cell, nil
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return layout.Cell{}, ctx.Err()
		case <-released:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// RunSetup opens the plan's profiles one at a time in setup mode, each in a
// full screen window held open until the operator is done.
func (r *Runner) RunSetup(ctx context.Context, plan Plan) (Summary, error) {
	rc := r.cfg.Runner()
	grid := layout.NewGrid(1, 1, r.screen)
	peers := plan.peers()
	queue, repeated := r.unique(plan.Profiles)
	sum := Summary{Repeated: repeated}

	for i, p := range queue {
		logger := observability.ForProfile(r.logger, p.Name)
		logger.Info(fmt.Sprintf("[%d/%d] Waiting before opening.", i+1, len(queue)),
			observability.Op("setup"), zap.Duration("delay", rc.SetupDelay))
		if err := pacing.SleepContext(ctx, rc.SetupDelay); err != nil {
			for _, rest := range queue[i:] {
				sum.NotStarted = append(sum.NotStarted, rest.Name)
			}
			return sum, err
		}
		cell, err := grid.Acquire(p.Name)
		if err != nil {
			return sum, err
		}
		job := Job{Profile: p, Peers: peers, Task: plan.Task, Mode: worker.ModeSetup, Grid: grid, Cell: cell}
		sum.Outcomes = append(sum.Outcomes, r.RunBrowser(ctx, job))
	}
	return sum, ctx.Err()
}

// unique drops repeated names. A grid cell and a lock belong to one profile
// name, so a repeat would share the first run's window.
func (r *Runner) unique(profiles []profile.Profile) ([]profile.Profile, []string) {
	queue, repeated := profile.Unique(profiles)
	if len(repeated) > 0 {
		r.logger.Warn("Dropping repeated profiles.", zap.Strings("profiles", repeated))
	}
	return queue, repeated
}

// pending drops the profiles that already completed task today when
// runner.skip_completed is set.
func (r *Runner) pending(ctx context.Context, task string, profiles []profile.Profile) (queue []profile.Profile, skipped []string) {
	if !r.cfg.Runner().SkipCompleted {
		return profiles, nil
	}
	day := r.now()
	for _, p := range profiles {
		done, err := r.ledger.CompletedToday(ctx, p.Name, task, day)
		if err != nil {
			r.logger.Warn("Could not query ledger, running profile.", zap.String("profile", p.Name), zap.Error(err))
		}
		if done {
			skipped = append(skipped, p.Name)
			continue
		}
		queue = append(queue, p)
	}
	if len(skipped) > 0 {
		r.logger.Info("Skipping profiles completed today.", zap.Strings("profiles", skipped))
	}
	return queue, skipped
}
