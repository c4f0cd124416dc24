package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sche", "sched"},
		Short:   "Manage automatic synchronization schedule",
		Long: `Manage automatic synchronization schedule.

The schedule command can be used in multiple ways:
  tetherd schedule 'minute hour day month weekday' Set schedule with cron expression
  tetherd schedule disable                         Disable the schedule
  tetherd schedule postpone [duration]             Postpone next run
  tetherd schedule skip                            Skip next run
  tetherd schedule show                            Show current schedule`,
		Example: `  tetherd schedule '0 3 * * *' (At 03:00 every day)
  tetherd schedule '0 3 * * 0' (At 03:00 on Sunday)
  tetherd schedule '@every 6h' (Every six hours)`,
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	// Add subcommands
	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable the synchronization schedule",
		Long:  "Disable the automatic synchronization schedule.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDisable(cmd)
		},
	}
	return cmd
}

func newSchedulePostponeCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled synchronization run",
		Example: `  tetherd schedule postpone      (Postpone by 1 hour)
  tetherd schedule postpone 90m  (Postpone by 90 minutes)
  tetherd schedule postpone 2h   (Postpone by 2 hours)`,
		Long: `Postpone the next scheduled synchronization run by a specified duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour // default
			if duration != 0 {
				d = duration
			}
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "Duration to postpone (e.g., 1h, 90m)")
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled synchronization run",
		Long:  "Skip the next scheduled synchronization run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleSkip(cmd)
		},
	}
	return cmd
}

func newScheduleShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current synchronization schedule",
		Long:  "Show the current synchronization schedule and next run time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleShow(cmd)
		},
	}
	return cmd
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := apiClient.SetSchedule(cronExpr); err != nil {
		return err
	}
	st, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	cmd.Println("Synchronization scheduled.")
	if st.NextRun != 0 {
		cmd.Printf("Next run: %s\n", time.Unix(st.NextRun, 0).Local().Format(time.DateTime))
	}
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.UnsetSchedule(); err != nil {
		return err
	}
	cmd.Println("Synchronization schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	if _, err := apiClient.PostponeSchedule(duration); err != nil {
		return err
	}
	cmd.Printf("Next run postponed by %s.\n", duration)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	if _, err := apiClient.SkipSchedule(); err != nil {
		return err
	}
	cmd.Println("Next scheduled run skipped.")
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if !st.Active || st.Expression == "" {
		cmd.Println("Synchronization schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", st.Expression)
	if st.NextRun != 0 {
		cmd.Printf("Next run: %s\n", time.Unix(st.NextRun, 0).Local().Format(time.DateTime))
	}
	return nil
}
