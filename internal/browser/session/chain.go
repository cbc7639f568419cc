// internal/browser/session/chain.go
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/notify"
)

// Step is one link of a chain.
type Step struct {
	Name     string
	Run      func(ctx context.Context) error
	Optional bool
}

// Required builds a step whose failure stops the chain.
func Required(name string, run func(ctx context.Context) error) Step {
	return Step{Name: name, Run: run}
}

// Optional builds a step whose failure is logged and skipped.
func Optional(name string, run func(ctx context.Context) error) Step {
	return Step{Name: name, Run: run, Optional: true}
}

// StepError is the failure of a required step.
type StepError struct {
	Chain string
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %q: %v", e.Chain, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ExecuteChain runs steps in order. The first failing required step stops
// the chain and its error is returned as a *StepError. Cancellation
// always stops the chain.
func (s *Session) ExecuteChain(ctx context.Context, message string, steps ...Step) error {
	for _, step := range steps {
		if step.Run == nil {
			return fmt.Errorf("%s: step %q has no action", message, step.Name)
		}
		err := step.Run(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if step.Optional && !errors.Is(err, ErrStopped) {
			s.logger.Info("Skipping failed optional step.",
				zap.String("chain", message), zap.String("step", step.Name), zap.Error(err))
			continue
		}
		s.logger.Warn("Chain stopped.",
			zap.String("chain", message), zap.String("step", step.Name), zap.Error(err))
		return &StepError{Chain: message, Step: step.Name, Err: err}
	}
	return nil
}

// TakeScreenshot captures the current tab as PNG.
func (s *Session) TakeScreenshot(ctx context.Context) ([]byte, error) {
	png, err := s.page.Screenshot(ctx)
	if err != nil {
		s.failure("screenshot", "Could not take screenshot.", err)
		return nil, err
	}
	return png, nil
}

// Snapshot records the page state for the operator: the screenshot goes to
// the notifier when it is valid, otherwise to the snapshot directory. With
// stop set it returns ErrStopped so the caller ends the flow.
func (s *Session) Snapshot(ctx context.Context, message string, stop bool) error {
	s.Log("snapshot", message)

	if s.notifier != nil && s.notifier.Valid() {
		s.sendSnapshot(ctx, message)
	} else if path, err := s.saveSnapshot(ctx); err != nil {
		s.failure("snapshot", "Could not save snapshot.", err)
	} else {
		s.Log("snapshot", "Snapshot saved.", zap.String("path", path))
	}

	if stop {
		return fmt.Errorf("%w: %s", ErrStopped, message)
	}
	return nil
}

func (s *Session) sendSnapshot(ctx context.Context, message string) {
	png, err := s.TakeScreenshot(ctx)
	if err != nil {
		return
	}
	caption := notify.Caption(s.now(), s.profile, message)
	if err := s.notifier.SendPhoto(ctx, png, caption); err != nil {
		s.failure("snapshot", "Could not send snapshot.", err)
		return
	}
	s.Log("snapshot", "Snapshot sent.")
}

// saveSnapshot writes <dir>/<profile>_<YYYYmmdd_HHMMSS>.png.
func (s *Session) saveSnapshot(ctx context.Context) (string, error) {
	png, err := s.TakeScreenshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.png", s.profile, s.now().Format("20060102_150405"))
	path := filepath.Join(s.snapshotDir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// AskAI sends prompt to the vision helper, with a screenshot of the current
// tab when withImage is set.
func (s *Session) AskAI(ctx context.Context, prompt string, withImage bool, opts ...CallOption) (string, error) {
	if s.vision == nil || !s.vision.Valid() {
		s.failure("ask_ai", "AI helper is not available.", ErrAIUnavailable)
		return "", ErrAIUnavailable
	}
	c := s.newCall(opts)
	s.Log("ask_ai", "Asking AI.")
	if err := s.pause(ctx, c); err != nil {
		return "", err
	}

	var png []byte
	if withImage {
		var err error
		if png, err = s.TakeScreenshot(ctx); err != nil {
			return "", fmt.Errorf("screenshot for ai: %w", err)
		}
	}
	answer, err := s.vision.Ask(ctx, prompt, png)
	if err != nil {
		s.failure("ask_ai", "AI request failed.", err)
		return "", err
	}
	preview := answer
	if r := []rune(preview); len(r) > 10 {
		preview = string(r[:10]) + "..."
	}
	s.success(c, "ask_ai", "AI answered.", zap.String("answer", preview))
	return answer, nil
}
