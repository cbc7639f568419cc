// -- cmd/menu.go --
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/xkilldash9x/chromefleet/internal/browser"
	"github.com/xkilldash9x/chromefleet/internal/profile"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	rule       = strings.Repeat("=", 60)
)

// lineReader hands out stdin lines on demand. The scanner only reads when a
// line is requested, so a browser waiting for ENTER gets the keystroke.
type lineReader struct {
	req   chan struct{}
	lines chan string
	done  chan struct{}
}

func newLineReader(in io.Reader) *lineReader {
	r := &lineReader{req: make(chan struct{}), lines: make(chan string), done: make(chan struct{})}
	go func() {
		defer close(r.lines)
		sc := bufio.NewScanner(in)
		for {
			select {
			case <-r.req:
			case <-r.done:
				return
			}
			if !sc.Scan() {
				return
			}
			select {
			case r.lines <- strings.TrimSpace(sc.Text()):
			case <-r.done:
				return
			}
		}
	}()
	return r
}

// read returns the next line, io.EOF once input ends, or the ctx error.
func (r *lineReader) read(ctx context.Context) (string, error) {
	select {
	case r.req <- struct{}{}:
	case _, ok := <-r.lines:
		if !ok {
			return "", io.EOF
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case line, ok := <-r.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *lineReader) Close() { close(r.done) }

// menu is the interactive mode: pick setup, auto or delete, then pick
// profiles by number. It returns when the operator exits or input ends.
func (a *app) menu(ctx context.Context, in io.Reader, out io.Writer) error {
	profiles, err := loadProfiles(a.cfg)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return errNoProfiles
	}
	dirs := profile.NewDirs(a.cfg.Data().UserDataDir)

	lines := newLineReader(in)
	defer lines.Close()

	var comps *components
	defer func() {
		if comps != nil {
			comps.Shutdown()
		}
	}()

	a.printBanner(out)
	for {
		existing, err := dirs.Ordered(profiles)
		if err != nil {
			return err
		}

		fmt.Fprintln(out, titleStyle.Render("Choose an option:"))
		fmt.Fprintln(out, "   1. Setup   - open profiles one at a time to configure them")
		fmt.Fprintln(out, "   2. Auto    - run the task on the selected profiles")
		if len(existing) > 0 {
			fmt.Fprintln(out, "   3. Delete  - delete existing profile directories")
		}
		fmt.Fprintln(out, "   0. Exit")
		fmt.Fprint(out, "Choice: ")
		choice, err := lines.read(ctx)
		if err != nil {
			return endOfInput(err)
		}

		switch {
		case choice == "1" || choice == "2":
			labels := make([]string, len(profiles))
			for i, p := range profiles {
				labels[i] = p.Name
				if dirs.Exists(p.Name) {
					labels[i] += " [set up]"
				}
			}
			indices, err := a.choose(ctx, lines, out, labels)
			if err != nil {
				return endOfInput(err)
			}
			if indices == nil {
				continue
			}
			selected := make([]profile.Profile, len(indices))
			for i, idx := range indices {
				selected[i] = profiles[idx]
			}

			if comps == nil {
				if comps, err = a.build(ctx, a.cfg, a.logger); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			mode := worker.ModeAuto
			if choice == "1" {
				mode = worker.ModeSetup
			}
			fmt.Fprintln(out, rule)
			err = a.execute(ctx, out, comps.Runner, mode, selected, profiles)
			fmt.Fprintln(out, rule)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				fmt.Fprintln(out, warnStyle.Render("Error: "+err.Error()))
			}

		case choice == "3" && len(existing) > 0:
			indices, err := a.choose(ctx, lines, out, existing)
			if err != nil {
				return endOfInput(err)
			}
			if indices == nil {
				continue
			}
			names := make([]string, len(indices))
			for i, idx := range indices {
				names[i] = existing[idx]
			}
			_ = deleteProfiles(out, dirs, names, a.logger)

		case choice == "0":
			fmt.Fprintln(out, "Exiting.")
			return nil

		default:
			fmt.Fprintln(out, warnStyle.Render("Invalid choice, try again."))
		}
	}
}

// choose lists labels and reads a selection. A nil result without error
// means the answer selected nothing and the caller goes back to the menu.
func (a *app) choose(ctx context.Context, lines *lineReader, out io.Writer, labels []string) ([]int, error) {
	if len(labels) > 1 {
		fmt.Fprintf(out, "   0. ALL (%d)\n", len(labels))
	}
	for i, l := range labels {
		fmt.Fprintf(out, "   %d. %s\n", i+1, l)
	}
	fmt.Fprint(out, "Numbers separated by spaces, anything else to go back: ")
	answer, err := lines.read(ctx)
	if err != nil {
		return nil, err
	}
	indices, skipped, err := profile.Select(answer, len(labels))
	for _, s := range skipped {
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("Profile %s is not valid, skipped.", s)))
	}
	if err != nil {
		fmt.Fprintln(out, warnStyle.Render("Invalid selection, try again."))
		return nil, nil
	}
	return indices, nil
}

func (a *app) printBanner(out io.Writer) {
	cfg := a.cfg
	chrome, err := browser.FindChrome(cfg.Browser().ChromePath)
	if err != nil {
		chrome = err.Error()
	}
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, titleStyle.Render("chromefleet "+Version))
	if cfg.Notify().Telegram.Spec != "" {
		fmt.Fprintln(out, "   Telegram bot:   configured")
	}
	if gc := cfg.AI().Gemini; gc.APIKey != "" {
		fmt.Fprintf(out, "   Gemini model:   %s\n", gc.Model)
	}
	fmt.Fprintf(out, "   Chrome:         %s\n", chrome)
	fmt.Fprintf(out, "   Profiles:       %s\n", cfg.Data().UserDataDir)
	fmt.Fprintf(out, "   Task:           %s (max %d at once)\n", cfg.Runner().Task, cfg.Runner().MaxConcurrent)
	fmt.Fprintln(out, rule)
}

// endOfInput treats a closed stdin as a normal exit.
func endOfInput(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
