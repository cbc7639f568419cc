// internal/worker/worker.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/browser/session"
	"github.com/xkilldash9x/chromefleet/internal/profile"
)

// Mode selects what a task does with an opened browser.
type Mode string

const (
	// ModeSetup prepares a profile by hand: the task opens its pages and the
	// operator finishes in the window.
	ModeSetup Mode = "setup"
	// ModeAuto runs the task's automated flow.
	ModeAuto Mode = "auto"
)

// ErrUnknownTask is returned when no task is registered under a name.
var ErrUnknownTask = errors.New("worker: unknown task")

// Job is what a task receives for one profile.
type Job struct {
	Session *session.Session
	Profile profile.Profile
	// Peers are the other profiles of the run, in data file order.
	Peers []profile.Profile
}

// Result carries what a task wants recorded about its run.
type Result struct {
	Details map[string]any
}

// Task is one site specific flow.
type Task interface {
	Name() string
	Setup(ctx context.Context, job Job) error
	Run(ctx context.Context, job Job) (Result, error)
}

// Worker routes jobs to the registered tasks.
type Worker struct {
	logger   *zap.Logger
	registry map[string]Task
}

// Option configures a Worker.
type Option func(*Worker)

// WithTasks registers tasks, replacing any with the same name.
func WithTasks(tasks ...Task) Option {
	return func(w *Worker) {
		for _, t := range tasks {
			w.registry[t.Name()] = t
		}
	}
}

// New builds a worker.
func New(logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		logger:   logger.With(zap.String("component", "worker")),
		registry: make(map[string]Task),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger.Debug("Tasks registered", zap.Strings("tasks", w.Names()))
	return w
}

// Names lists the registered tasks alphabetically.
func (w *Worker) Names() []string {
	names := make([]string, 0, len(w.registry))
	for name := range w.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (w *Worker) Has(name string) bool {
	_, ok := w.registry[name]
	return ok
}

// Dispatch runs the named task in mode for job.
func (w *Worker) Dispatch(ctx context.Context, mode Mode, name string, job Job) (Result, error) {
	task, ok := w.registry[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTask, name, w.Names())
	}

	logger := w.logger.With(zap.String("task", name), zap.String("mode", string(mode)), zap.String("profile", job.Profile.Name))
	logger.Info("Dispatching task")

	var (
		res Result
		err error
	)
	switch mode {
	case ModeSetup:
		err = task.Setup(ctx, job)
	case ModeAuto:
		res, err = task.Run(ctx, job)
	default:
		return Result{}, fmt.Errorf("worker: unknown mode %q", mode)
	}
	if err != nil {
		return res, fmt.Errorf("task '%s' failed in %s mode: %w", name, mode, err)
	}
	logger.Info("Task finished")
	return res, nil
}
