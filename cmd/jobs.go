package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/warden/internal/app"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/scheduler"
	"github.com/firefly-engineering/warden/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs from the jobs file with their next run",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Claim and run one job now",
	Long: `Claim and run one job now, through the same store claim the
scheduler uses, so it never overlaps a scheduled run of the same job.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsRun,
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobs, err := scheduler.LoadJobs(cfg.Scheduler.JobsFile)
	if err != nil {
		return errors.ConfigError("jobs file", err)
	}
	if len(jobs) == 0 {
		logInfo("No jobs defined in %s", cfg.Scheduler.JobsFile)
		return nil
	}

	var claims map[string]store.JobRecord
	if s, err := store.Open(cmd.Context(), cfg.Store, cfg.RateLimit.Retention); err == nil {
		defer s.Close()
		if records, err := s.Jobs(cmd.Context()); err == nil {
			claims = make(map[string]store.JobRecord, len(records))
			for _, r := range records {
				claims[r.JobID] = r
			}
		}
	} else {
		logging.Debug("store unavailable, listing without run history", "error", err)
	}

	printJobs(cmd.OutOrStdout(), jobs, claims, time.Now())
	return nil
}

func printJobs(out io.Writer, jobs []*scheduler.Job, claims map[string]store.JobRecord, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tSCHEDULE\tNEXT\tLAST")
	fmt.Fprintln(w, "--\t-----\t--------\t----\t----")
	for _, j := range jobs {
		next := "-"
		if t := j.Schedule().Next(now); !t.IsZero() {
			next = t.Local().Format("2006-01-02 15:04")
		}
		last := "-"
		if r, ok := claims[j.ID]; ok && !r.LastClaimedAt.IsZero() {
			last = fmt.Sprintf("%s (%s)", r.LastClaimedAt.Local().Format("2006-01-02 15:04"), r.LastStatus)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.GroupID, describeSchedule(j), next, last)
	}
	w.Flush()
}

func describeSchedule(j *scheduler.Job) string {
	switch {
	case j.Cron != "":
		return "cron " + j.Cron
	case j.Every != 0:
		return "every " + j.Every.String()
	default:
		return "at " + j.At
	}
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(),
		app.WithPaths(paths()),
		app.WithConfig(config.NewHolder(cfg)),
		app.WithLogger(logging.Logger))
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Scheduler.Trigger(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if out.Err != nil {
		return out.Err
	}
	logSuccess("Job %s %s in %s", args[0], out.Status, out.Result.Duration.Round(time.Millisecond))
	return nil
}
