// -- cmd/schedule.go --
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/worker"
)

// newScheduleCmd creates the `schedule` command, which runs every profile in
// auto mode on the configured cron expression until interrupted.
func newScheduleCmd(a *app) *cobra.Command {
	var now bool
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Runs all profiles on the schedule.cron expression until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.schedule(cmd.Context(), cmd.OutOrStdout(), now)
		},
	}
	scheduleCmd.Flags().BoolVar(&now, "now", false, "also run once immediately")
	return scheduleCmd
}

func (a *app) schedule(ctx context.Context, out io.Writer, now bool) error {
	sc := a.cfg.Schedule()
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		return fmt.Errorf("invalid schedule.timezone %q: %w", sc.Timezone, err)
	}

	components, err := a.build(ctx, a.cfg, a.logger)
	if err != nil {
		if components != nil {
			components.Shutdown()
		}
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	logger := a.logger.Named("schedule")
	clog := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	job := func() {
		// The data file is re-read so edits apply to the next run.
		all, err := loadProfiles(a.cfg)
		if err != nil {
			logger.Error("Could not load profiles", zap.Error(err))
			return
		}
		if len(all) == 0 {
			logger.Warn("No profiles in data file, nothing to run")
			return
		}
		if err := a.execute(ctx, out, components.Runner, worker.ModeAuto, all, all); err != nil {
			logger.Warn("Scheduled run finished with errors", zap.Error(err))
		}
	}

	id, err := c.AddFunc(sc.Cron, job)
	if err != nil {
		return fmt.Errorf("invalid schedule.cron %q: %w", sc.Cron, err)
	}
	c.Start()
	logger.Info("Scheduler started",
		zap.String("cron", sc.Cron),
		zap.String("timezone", loc.String()),
		zap.Time("next_run", c.Entry(id).Next))

	if now {
		job()
	}

	<-ctx.Done()
	logger.Info("Stopping scheduler, waiting for the running batch")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
