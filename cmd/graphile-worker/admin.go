package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/graphile/worker-sub000/internal/config"
	"github.com/graphile/worker-sub000/internal/db"
	"github.com/graphile/worker-sub000/internal/queue"
)

func migrateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := setup(cfg)
			if err != nil {
				return err
			}
			version, err := db.Migrate(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at migration %d\n", version)
			return nil
		},
	}
	bindConnectionFlags(cmd.Flags(), cfg)
	return cmd
}

type addJobFlags struct {
	payload     string
	queue       string
	runAt       string
	delay       time.Duration
	maxAttempts int
	key         string
	keyMode     string
	priority    int
	flags       []string
}

// spec builds the job spec; priority is only set when the flag was given.
func (f addJobFlags) spec(identifier string, withPriority bool, now time.Time) (queue.JobSpec, error) {
	spec := queue.JobSpec{
		Identifier:  identifier,
		QueueName:   f.queue,
		MaxAttempts: f.maxAttempts,
		JobKey:      f.key,
		JobKeyMode:  queue.KeyMode(f.keyMode),
		Flags:       f.flags,
	}
	payload, err := parsePayload(f.payload)
	if err != nil {
		return queue.JobSpec{}, err
	}
	spec.Payload = payload
	runAt, err := parseRunAt(f.runAt, f.delay, now)
	if err != nil {
		return queue.JobSpec{}, err
	}
	spec.RunAt = runAt
	if withPriority {
		p := f.priority
		spec.Priority = &p
	}
	return spec, nil
}

func addJobCmd(cfg *config.Config) *cobra.Command {
	var f addJobFlags
	cmd := &cobra.Command{
		Use:   "add-job <task>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := f.spec(args[0], cmd.Flags().Changed("priority"), time.Now())
			if err != nil {
				return err
			}
			logger, err := setup(cfg)
			if err != nil {
				return err
			}
			svc, closeDB, err := openService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			job, err := svc.AddJob(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added job %d (%s) to run at %s\n",
				job.ID, job.TaskIdentifier, job.RunAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.payload, "payload", "p", "", "Job payload as JSON or JSON5")
	fs.StringVar(&f.queue, "queue", "", "Named queue; jobs in a queue run one at a time")
	fs.StringVar(&f.runAt, "run-at", "", "RFC 3339 time to run the job at")
	fs.DurationVar(&f.delay, "delay", 0, "Run the job after this long")
	fs.IntVar(&f.maxAttempts, "max-attempts", 0, "Maximum attempts (default 25)")
	fs.StringVar(&f.key, "key", "", "Job key for deduplication and replacement")
	fs.StringVar(&f.keyMode, "key-mode", "", "replace, preserve_run_at or unsafe_dedupe")
	fs.IntVar(&f.priority, "priority", 0, "Priority; lower runs first")
	fs.StringSliceVar(&f.flags, "flag", nil, "Job flag (repeatable)")
	bindConnectionFlags(fs, cfg)
	return cmd
}

func cleanupCmd(cfg *config.Config) *cobra.Command {
	var (
		tasks []string
		keep  []string
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete unused task identifiers, empty queues and permanently failed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := queue.ParseCleanupTasks(tasks)
			if err != nil {
				return err
			}
			logger, err := setup(cfg)
			if err != nil {
				return err
			}
			svc, closeDB, err := openService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			if err := svc.Cleanup(cmd.Context(), queue.CleanupOptions{
				Tasks:                 selected,
				TaskIdentifiersToKeep: keep,
			}); err != nil {
				return err
			}
			names := make([]string, len(selected))
			for i, t := range selected {
				names[i] = string(t)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleanup complete: %s\n", strings.Join(names, ", "))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tasks, "task", nil, "GC_TASK_IDENTIFIERS, GC_JOB_QUEUES or DELETE_PERMAFAILED_JOBS (repeatable)")
	cmd.Flags().StringSliceVar(&keep, "keep", nil, "Task identifiers to keep even when unused")
	bindConnectionFlags(cmd.Flags(), cfg)
	return cmd
}

func jobsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and administer jobs",
	}
	bindConnectionFlags(cmd.PersistentFlags(), cfg)
	cmd.AddCommand(
		jobsListCmd(cfg),
		jobsCompleteCmd(cfg),
		jobsFailCmd(cfg),
		jobsRescheduleCmd(cfg),
		jobsUnlockCmd(cfg),
	)
	return cmd
}

func jobsListCmd(cfg *config.Config) *cobra.Command {
	var (
		filter queue.JobFilter
		state  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.State = queue.JobState(state)
			logger, err := setup(cfg)
			if err != nil {
				return err
			}
			svc, closeDB, err := openService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			jobs, err := svc.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tQUEUE\tPRIORITY\tRUN AT\tATTEMPTS\tLOCKED BY\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.TaskIdentifier, deref(j.QueueName), j.Priority,
					j.RunAt.UTC().Format(time.RFC3339), j.Attempts, j.MaxAttempts,
					deref(j.LockedBy), firstLine(deref(j.LastError)))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Task, "task", "", "Only jobs for this task")
	cmd.Flags().StringVar(&filter.Queue, "queue", "", "Only jobs in this queue")
	cmd.Flags().StringVar(&state, "state", "", "pending, locked or failed")
	cmd.Flags().Uint64Var(&filter.Limit, "limit", 50, "Maximum rows")
	return cmd
}

func jobsCompleteCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>...",
		Short: "Mark jobs as completed, deleting them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			return withService(cmd, cfg, func(svc *queue.Service) error {
				jobs, err := svc.CompleteJobsByID(cmd.Context(), ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Completed %d of %d job(s)\n", len(jobs), len(ids))
				return nil
			})
		},
	}
}

func jobsFailCmd(cfg *config.Config) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>...",
		Short: "Permanently fail jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			return withService(cmd, cfg, func(svc *queue.Service) error {
				jobs, err := svc.PermanentlyFailJobs(cmd.Context(), ids, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Failed %d of %d job(s)\n", len(jobs), len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "Permanently failed by administrator", "Stored as the job's last error")
	return cmd
}

func jobsRescheduleCmd(cfg *config.Config) *cobra.Command {
	var (
		runAt       string
		delay       time.Duration
		priority    int
		attempts    int
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "reschedule <id>...",
		Short: "Change when and how unlocked jobs run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			var opts queue.RescheduleOptions
			if opts.RunAt, err = parseRunAt(runAt, delay, time.Now()); err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("priority") {
				opts.Priority = &priority
			}
			if flags.Changed("attempts") {
				opts.Attempts = &attempts
			}
			if flags.Changed("max-attempts") {
				opts.MaxAttempts = &maxAttempts
			}
			return withService(cmd, cfg, func(svc *queue.Service) error {
				jobs, err := svc.RescheduleJobs(cmd.Context(), ids, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rescheduled %d of %d job(s)\n", len(jobs), len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runAt, "run-at", "", "RFC 3339 time to run the jobs at")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Run the jobs after this long")
	cmd.Flags().IntVar(&priority, "priority", 0, "New priority")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "New attempt count")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "New maximum attempts")
	return cmd
}

func jobsUnlockCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <worker-id>...",
		Short: "Release every lock held by dead workers or pools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, cfg, func(svc *queue.Service) error {
				if err := svc.ForceUnlockWorkers(cmd.Context(), args); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unlocked jobs and queues held by %s\n", strings.Join(args, ", "))
				return nil
			})
		},
	}
}

func withService(cmd *cobra.Command, cfg *config.Config, fn func(*queue.Service) error) error {
	logger, err := setup(cfg)
	if err != nil {
		return err
	}
	svc, closeDB, err := openService(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(svc)
}

func parseJobIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid job id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parsePayload accepts JSON5 so payloads can be typed on a shell without
// quoting every key. Empty means no payload.
func parsePayload(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var payload any
	if err := json5.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return payload, nil
}

// parseRunAt resolves --run-at or --delay; nil means unchanged or now.
func parseRunAt(runAt string, delay time.Duration, now time.Time) (*time.Time, error) {
	switch {
	case runAt != "" && delay != 0:
		return nil, fmt.Errorf("--run-at and --delay are mutually exclusive")
	case runAt != "":
		t, err := time.Parse(time.RFC3339, runAt)
		if err != nil {
			return nil, fmt.Errorf("invalid --run-at: %w", err)
		}
		return &t, nil
	case delay != 0:
		t := now.Add(delay)
		return &t, nil
	}
	return nil, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
