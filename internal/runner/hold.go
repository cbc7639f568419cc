// internal/runner/hold.go
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/xkilldash9x/chromefleet/internal/observability"
	"github.com/xkilldash9x/chromefleet/internal/pacing"
)

// stdinLines is shared by every terminal hold so only one read of stdin is
// ever pending.
var stdinLines = newLineReader(os.Stdin)

// TerminalHold waits for ENTER on stdin when it is a terminal, otherwise for
// timeout.
func TerminalHold(timeout time.Duration, logger *zap.Logger) HoldFunc {
	return holdLines(stdinLines, os.Stdout, term.IsTerminal(int(os.Stdin.Fd())), timeout, logger)
}

func hold(in io.Reader, out io.Writer, interactive bool, timeout time.Duration, logger *zap.Logger) HoldFunc {
	return holdLines(newLineReader(in), out, interactive, timeout, logger)
}

func holdLines(in *lineReader, out io.Writer, interactive bool, timeout time.Duration, logger *zap.Logger) HoldFunc {
	return func(ctx context.Context, profile string) error {
		if !interactive {
			observability.ForProfile(logger, profile).Info("No terminal, closing after timeout.",
				observability.Op("hold"), zap.Duration("timeout", timeout))
			return pacing.SleepContext(ctx, timeout)
		}

		lines, started := in.lines()
		if started {
			if done, err := discardStale(lines); done {
				return err
			}
		}
		fmt.Fprintf(out, "[%s] Press ENTER to close the browser...", profile)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-lines:
			return readErr(err)
		}
	}
}

// discardStale drops lines typed while no hold was waiting. It reports done
// once the input has ended.
func discardStale(lines <-chan error) (bool, error) {
	for {
		select {
		case err, ok := <-lines:
			if !ok || err != nil {
				return true, readErr(err)
			}
		default:
			return false, nil
		}
	}
}

func readErr(err error) error {
	if err != nil && err != io.EOF {
		return fmt.Errorf("read terminal: %w", err)
	}
	return nil
}

// lineReader reads lines from in on a single goroutine started on first use.
// A hold that is cancelled leaves the pending read to the next hold. The
// channel is closed after the first read error.
type lineReader struct {
	in   io.Reader
	once sync.Once
	ch   chan error
}

func newLineReader(in io.Reader) *lineReader {
	return &lineReader{in: in, ch: make(chan error, 1)}
}

// lines returns the line channel and whether an earlier hold had already
// started reading.
func (r *lineReader) lines() (<-chan error, bool) {
	started := true
	r.once.Do(func() {
		started = false
		go r.loop()
	})
	return r.ch, started
}

func (r *lineReader) loop() {
	defer close(r.ch)
	br := bufio.NewReader(r.in)
	for {
		_, err := br.ReadString('\n')
		r.ch <- err
		if err != nil {
			return
		}
	}
}
