package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	stroom "github.com/stroomnet/stroom"
	"github.com/stroomnet/stroom/internal/config"
)

// newInitCmd creates "stroomd init": create or migrate the schema.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database schema (idempotent)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, config.Load(flagConfig))
			if err != nil {
				return err
			}
			defer cleanup()
			if err := st.Init(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

// newStatusCmd creates "stroomd status": show the settings row.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status and running process count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, config.Load(flagConfig))
			if err != nil {
				return err
			}
			defer cleanup()
			settings, err := st.GetSettings(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\nrunning processes: %d\n",
				settings.Status(), settings.RunningProcesses)
			return nil
		},
	}
}

// newPauseCmd creates "stroomd pause": set the global lock. Running
// processes finish their current step and yield; no new work starts.
func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the engine (in-flight steps finish, nothing new starts)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, config.Load(flagConfig))
			if err != nil {
				return err
			}
			defer cleanup()
			settings, err := st.SetGlobalLock(ctx, true)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", settings.Status())
			return nil
		},
	}
}

// newResumeCmd creates "stroomd resume": clear the global lock. Yielded
// processes are picked up by each replica's maintenance schedule.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Unpause the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, config.Load(flagConfig))
			if err != nil {
				return err
			}
			defer cleanup()
			settings, err := st.SetGlobalLock(ctx, false)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", settings.Status())
			return nil
		},
	}
}

// newProcessesCmd creates "stroomd processes": list process rows.
func newProcessesCmd() *cobra.Command {
	var flagStatus []string
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List processes, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, config.Load(flagConfig))
			if err != nil {
				return err
			}
			defer cleanup()
			var statuses []stroom.ProcessStatus
			for _, s := range flagStatus {
				statuses = append(statuses, stroom.ProcessStatus(s))
			}
			procs, err := st.ListProcesses(ctx, statuses...)
			if err != nil {
				return err
			}
			for _, p := range procs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.WorkflowName, p.LastStatus, p.LastStep,
					p.LastModifiedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flagStatus, "status", nil, "Filter by process status (repeatable)")
	return cmd
}

// newCleanupCmd creates "stroomd cleanup": delete old completed tasks.
func newCleanupCmd() *cobra.Command {
	var flagDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed task processes older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.Load(flagConfig)
			days := flagDays
			if days <= 0 {
				days = cfg.Engine.TaskLogRetentionDays
			}
			st, cleanup, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			cutoff := time.Now().AddDate(0, 0, -days)
			n, err := st.DeleteCompletedTasks(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d task(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&flagDays, "days", 0, "Retention in days (default from config)")
	return cmd
}
