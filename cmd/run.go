// -- cmd/run.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/profile"
	"github.com/xkilldash9x/chromefleet/internal/runner"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

// newRunCmd creates the `run` command, the concurrent auto mode.
func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run [profiles...]",
		Short: "Runs the task for the named profiles, or all of them, concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runProfiles(cmd.Context(), cmd.OutOrStdout(), worker.ModeAuto, args)
		},
	}
}

// newSetupCmd creates the `setup` command, which opens profiles one at a time
// so the operator can configure them by hand.
func newSetupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "setup [profiles...]",
		Short: "Opens the named profiles, or all of them, one at a time for manual setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runProfiles(cmd.Context(), cmd.OutOrStdout(), worker.ModeSetup, args)
		},
	}
}

// runProfiles loads the data file, picks the named profiles and runs them.
func (a *app) runProfiles(ctx context.Context, out io.Writer, mode worker.Mode, names []string) error {
	all, err := loadProfiles(a.cfg)
	if err != nil {
		return err
	}
	selected, err := pickProfiles(all, names)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return errNoProfiles
	}

	components, err := a.build(ctx, a.cfg, a.logger)
	if err != nil {
		if components != nil {
			components.Shutdown()
		}
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	return a.execute(ctx, out, components.Runner, mode, selected, all)
}

// execute runs one batch and prints its summary. Peers are always the whole
// data file so recipients rotate across every profile.
func (a *app) execute(ctx context.Context, out io.Writer, r *runner.Runner, mode worker.Mode, selected, all []profile.Profile) error {
	plan := runner.Plan{Task: a.cfg.Runner().Task, Profiles: selected, Peers: all}
	a.logger.Info("Starting batch",
		zap.String("mode", string(mode)),
		zap.String("task", plan.Task),
		zap.Strings("profiles", profile.Names(selected)))

	var (
		sum runner.Summary
		err error
	)
	if mode == worker.ModeSetup {
		sum, err = r.RunSetup(ctx, plan)
	} else {
		sum, err = r.RunMulti(ctx, plan)
	}
	printSummary(out, sum)

	if err != nil {
		return err
	}
	if failed := sum.Failed(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, o := range failed {
			names[i] = o.Profile
		}
		return fmt.Errorf("%w: %v", errRunFailed, names)
	}
	return nil
}

func printSummary(out io.Writer, sum runner.Summary) {
	for _, o := range sum.Outcomes {
		line := fmt.Sprintf("  %-20s %-8s %s", o.Profile, o.Status, o.Duration().Round(time.Second))
		if o.Err != nil && !errors.Is(o.Err, context.Canceled) {
			line += "  " + o.Err.Error()
		}
		fmt.Fprintln(out, line)
	}
	if len(sum.Skipped) > 0 {
		fmt.Fprintf(out, "  skipped (done today): %v\n", sum.Skipped)
	}
	if len(sum.NotStarted) > 0 {
		fmt.Fprintf(out, "  not started: %v\n", sum.NotStarted)
	}
	if len(sum.Repeated) > 0 {
		fmt.Fprintf(out, "  repeated (ran once): %v\n", sum.Repeated)
	}
	fmt.Fprintln(out, sum.String())
}
