package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentd/internal/app"
	"agentd/internal/config"
	"agentd/internal/jobstore"
	"agentd/internal/task/scheduler"
	"agentd/internal/trigger"
	logx "agentd/pkg/logx"
)

func buildCronCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(buildCronAddCommand(opts))
	cmd.AddCommand(buildCronListCommand(opts))
	cmd.AddCommand(buildCronRemoveCommand(opts))
	cmd.AddCommand(buildCronRunCommand(opts))
	cmd.AddCommand(buildCronHistoryCommand(opts))
	return cmd
}

func cronLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Cron.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

type addFlags struct {
	id           string
	task         string
	kwargs       string
	at           string
	cron         string
	every        string
	disabled     bool
	noCoalesce   bool
	maxInstances int
	grace        int
}

// jobFromFlags builds the job definition; now anchors relative --at values.
func jobFromFlags(f addFlags, now time.Time, loc *time.Location) (jobstore.Job, error) {
	set := 0
	for _, v := range []string{f.at, f.cron, f.every} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return jobstore.Job{}, errors.New("exactly one of --at, --cron or --every is required")
	}
	if strings.TrimSpace(f.task) == "" {
		return jobstore.Job{}, errors.New("--name is required")
	}

	job := jobstore.Job{
		ID:               strings.TrimSpace(f.id),
		Task:             jobstore.Task{Name: strings.TrimSpace(f.task)},
		MaxInstances:     f.maxInstances,
		MisfireGraceTime: f.grace,
	}
	if strings.TrimSpace(f.kwargs) != "" {
		if err := json.Unmarshal([]byte(f.kwargs), &job.Task.Kwargs); err != nil {
			return jobstore.Job{}, fmt.Errorf("--kwargs must be a JSON object: %w", err)
		}
	}
	if f.disabled {
		off := false
		job.Enabled = &off
	}
	if f.noCoalesce {
		off := false
		job.Coalesce = &off
	}

	switch {
	case strings.TrimSpace(f.at) != "":
		t, err := trigger.ParseAt(f.at, now, loc)
		if err != nil {
			return jobstore.Job{}, err
		}
		job.Trigger = trigger.Spec{Type: trigger.Date, RunDate: t.Format(time.RFC3339)}
	case strings.TrimSpace(f.cron) != "":
		spec, err := scheduler.ParseSchedule("cron:" + f.cron)
		if err != nil {
			return jobstore.Job{}, fmt.Errorf("--cron: %w", err)
		}
		job.Trigger = spec
	default:
		d, err := scheduler.ParseInterval(f.every)
		if err != nil {
			return jobstore.Job{}, fmt.Errorf("--every: %w", err)
		}
		job.Trigger = trigger.Spec{Type: trigger.Interval, Seconds: d.Seconds()}
	}
	return job, nil
}

func buildCronAddCommand(opts *rootOptions) *cobra.Command {
	var f addFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job to the jobs file",
		Example: `  agentd cron add --name log --kwargs '{"message":"standup"}' --cron "0 9 * * mon-fri"
  agentd cron add --name fetch_url --kwargs '{"url":"https://example.com"}' --every 30m
  agentd cron add --name log --at "1h 20m"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			loc, err := cronLocation(cfg)
			if err != nil {
				return err
			}
			job, err := jobFromFlags(f, time.Now(), loc)
			if err != nil {
				return err
			}
			store := jobstore.New(cfg.Cron.JobsPath)
			if err := store.Ensure(); err != nil {
				return err
			}
			job, err = store.Add(job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s: %s %s\n", job.ID, job.Task.Name, job.Trigger.String())
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.id, "id", "", "job id (default: random UUID)")
	fl.StringVar(&f.task, "name", "", "task name (log, fetch_url, tool)")
	fl.StringVar(&f.kwargs, "kwargs", "", "task keyword arguments as a JSON object")
	fl.StringVar(&f.at, "at", "", "run once at a time (YYYY-MM-DD HH:MM[:SS]) or after a duration (1h 20m)")
	fl.StringVar(&f.cron, "cron", "", "cron expression (5 or 6 fields, or a descriptor like @hourly)")
	fl.StringVar(&f.every, "every", "", "repeat interval (55m, 1h 20m, 02:30)")
	fl.BoolVar(&f.disabled, "disabled", false, "add the job disabled")
	fl.BoolVar(&f.noCoalesce, "no-coalesce", false, "run every missed firing instead of one")
	fl.IntVar(&f.maxInstances, "max-instances", 0, "concurrent executions allowed (default 1)")
	fl.IntVar(&f.grace, "misfire-grace-time", 0, "seconds a late firing may still run (default 60)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildCronListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the jobs file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			loc, err := cronLocation(cfg)
			if err != nil {
				return err
			}
			jobs, err := jobstore.New(cfg.Cron.JobsPath).List()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			return writeJobTable(cmd.OutOrStdout(), jobs, time.Now(), loc)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job definitions as JSON")
	return cmd
}

func writeJobTable(out io.Writer, jobs []jobstore.Job, now time.Time, loc *time.Location) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(out, "No jobs configured.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\tTASK\tTRIGGER\tENABLED\tNEXT\n")
	for _, j := range jobs {
		next := "-"
		if j.IsEnabled() {
			if t := nextFire(j, now, loc); !t.IsZero() {
				next = t.In(loc).Format(time.RFC3339)
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", j.ID, j.Task.Name, j.Trigger.String(), j.IsEnabled(), next)
	}
	return w.Flush()
}

func nextFire(j jobstore.Job, now time.Time, loc *time.Location) time.Time {
	tr, err := trigger.New(j.Trigger, now, loc)
	if err != nil {
		return time.Time{}
	}
	if first := tr.First(); first.After(now) {
		return first
	}
	return tr.Next(now)
}

func buildCronRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a job from the jobs file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := jobstore.New(cfg.Cron.JobsPath).Remove(args[0]); err != nil {
				if errors.Is(err, jobstore.ErrJobNotFound) {
					return fmt.Errorf("job %q not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

// withApp builds the app without starting it, loading extensions so the tool task works.
func withApp(ctx context.Context, cfgPath string, fn func(a *app.App) error) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.Registry().Reload(ctx); err != nil {
		a.Logger().Warn("extensions reload failed", logx.Err(err))
	}
	return fn(a)
}

func buildCronRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run ID",
		Short: "Run a job once now, ignoring its trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withApp(ctx, opts.configPath, func(a *app.App) error {
				res, err := a.Scheduler().RunNow(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := json.Marshal(res.Result)
				if err != nil {
					out = []byte(fmt.Sprint(res.Result))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s ok in %s: %s\n", res.JobID, res.Duration.Round(time.Millisecond), out)
				return nil
			})
		},
	}
}

func buildCronHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "Show recent runs from the history store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			hist := a.History()
			if hist == nil {
				return errors.New("run history is disabled (configure storage.driver)")
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			runs, err := hist.RecentRuns(ctx, id, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "STARTED\tJOB\tTASK\tTRIGGER\tSTATUS\tDURATION\tERROR\n")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.JobID, r.Task, r.Trigger, r.Status,
					r.Duration.Round(time.Millisecond), r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
