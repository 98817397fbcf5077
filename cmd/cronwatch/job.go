package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/caevv/cronwatch/internal/config"
	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/registry"
	"github.com/caevv/cronwatch/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage monitored jobs",
	Long: `Manage the job registry.

Subcommands:
  register    - Register a new job
  list        - List jobs with their health
  show        - Show one job with maintainers and recent runs
  update      - Change fields of a job
  deactivate  - Stop evaluating a job, keeping its history
  delete      - Delete a job with its runs and maintainers
  declare     - Add a job to the config file so serve registers it

Examples:
  cronwatch job register backup --every 86400 --max-runtime 3600 --severity high
  cronwatch job list
  cronwatch job update backup --alert-target "#ops"
  cronwatch job delete backup`,
}

var registerJobCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new job",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegisterJob,
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with their health",
	RunE:  runListJobs,
}

var showJobCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowJob,
}

var updateJobCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Change fields of a job",
	Long: `Change fields of a job. Only flags given on the command line are applied.
A --max-runtime of 0 or an empty --alert-target clears the value.

Example:
  cronwatch job update backup --every 43200 --severity low`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdateJob,
}

var deactivateJobCmd = &cobra.Command{
	Use:   "deactivate <name>",
	Short: "Stop evaluating a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeactivateJob,
}

var deleteJobCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a job with its runs and maintainers",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteJob,
}

var declareJobCmd = &cobra.Command{
	Use:   "declare <name>",
	Short: "Add a job to the config file",
	Long: `Append a job to the jobs section of the config file. The file is created
with defaults if it does not exist. "cronwatch serve" registers declared jobs
that are not in the registry yet.

Example:
  cronwatch job declare backup --every 86400 --maintainer U024BE7LH`,
	Args: cobra.ExactArgs(1),
	RunE: runDeclareJob,
}

func init() {
	jobCmd.AddCommand(registerJobCmd, listJobsCmd, showJobCmd, updateJobCmd,
		deactivateJobCmd, deleteJobCmd, declareJobCmd)

	for _, c := range []*cobra.Command{registerJobCmd, updateJobCmd, declareJobCmd} {
		c.Flags().Int64("every", 0, "Expected interval between healthy runs, in seconds")
		c.Flags().Int64("max-runtime", 0, "Runtime after which a started run is stuck, in seconds")
		c.Flags().String("severity", "", "Alert severity: low, medium or high")
		c.Flags().String("alert-target", "", "Extra Slack channel or email for alerts")
		c.Flags().String("description", "", "Free-form description")
		c.Flags().String("schedule", "", "Informational schedule, e.g. \"0 3 * * *\"")
		c.Flags().String("trigger-url", "", "URL that runs the job manually")
	}
	registerJobCmd.MarkFlagRequired("every")
	declareJobCmd.MarkFlagRequired("every")
	declareJobCmd.Flags().StringSlice("maintainer", nil, "Maintainer user id (repeatable)")
	updateJobCmd.Flags().Bool("activate", false, "Reactivate a deactivated job")

	listJobsCmd.Flags().Bool("active", false, "Only list active jobs")
	showJobCmd.Flags().Int("runs", store.DefaultJobLimit, "Number of recent runs to show")
}

func specFromFlags(cmd *cobra.Command, name string) registry.JobSpec {
	every, _ := cmd.Flags().GetInt64("every")
	maxRuntime, _ := cmd.Flags().GetInt64("max-runtime")
	severity, _ := cmd.Flags().GetString("severity")
	target, _ := cmd.Flags().GetString("alert-target")
	description, _ := cmd.Flags().GetString("description")
	schedule, _ := cmd.Flags().GetString("schedule")
	triggerURL, _ := cmd.Flags().GetString("trigger-url")

	return registry.JobSpec{
		Name:                 name,
		Description:          description,
		Schedule:             schedule,
		ExpectedEverySeconds: every,
		MaxRuntimeSeconds:    maxRuntime,
		ManualTriggerURL:     triggerURL,
		Severity:             severity,
		AlertTarget:          target,
	}
}

func runRegisterJob(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.registry.Register(cmd.Context(), cliActor, specFromFlags(cmd, args[0]))
	if err != nil {
		return fmt.Errorf("failed to register job: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Job '%s' registered\n", job.Name)
	fmt.Fprintf(out, "  Expected every: %s\n", job.ExpectedEvery())
	fmt.Fprintf(out, "  Severity:       %s\n", job.Severity)
	return nil
}

func runListJobs(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	activeOnly, _ := cmd.Flags().GetBool("active")
	overview, err := health.NewEvaluator(a.store).Overview(ctx, time.Now())
	if err != nil {
		return err
	}
	latest, err := a.store.LatestRunPerJob(ctx)
	if err != nil {
		return err
	}
	lastByJob := make(map[string]*store.Run, len(latest))
	for _, r := range latest {
		lastByJob[r.JobName] = r
	}

	out := cmd.OutOrStdout()
	shown := 0
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tHEALTH\tEVERY\tMAX RUNTIME\tSEVERITY\tLAST RUN")
	for _, h := range overview {
		if activeOnly && !h.Job.Active {
			continue
		}
		shown++
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.Job.Name,
			h.State,
			h.Job.ExpectedEvery(),
			formatMaxRuntime(h.Job),
			h.Job.Severity,
			formatLastRun(lastByJob[h.Job.Name]),
		)
	}
	if shown == 0 {
		fmt.Fprintln(out, "No jobs registered")
		return nil
	}
	w.Flush()
	fmt.Fprintf(out, "\nTotal jobs: %d\n", shown)
	return nil
}

func runShowJob(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	name := args[0]

	job, err := a.registry.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	maintainers, err := a.registry.ListMaintainers(ctx, name)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("runs")
	runs, err := a.store.RecentRunsForJob(ctx, name, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printJob(out, job)
	fmt.Fprintf(out, "  Maintainers:    ")
	if len(maintainers) == 0 {
		fmt.Fprintln(out, "none")
	} else {
		for i, m := range maintainers {
			if i > 0 {
				fmt.Fprint(out, ", ")
			}
			fmt.Fprint(out, m.UserID)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out)
	printRuns(out, runs, false)
	return nil
}

func printJob(out io.Writer, job *store.Job) {
	fmt.Fprintf(out, "Job: %s\n", job.Name)
	if job.Description != "" {
		fmt.Fprintf(out, "  Description:    %s\n", job.Description)
	}
	if job.Schedule != "" {
		fmt.Fprintf(out, "  Schedule:       %s\n", job.Schedule)
	}
	fmt.Fprintf(out, "  Expected every: %s\n", job.ExpectedEvery())
	fmt.Fprintf(out, "  Max runtime:    %s\n", formatMaxRuntime(job))
	fmt.Fprintf(out, "  Severity:       %s\n", job.Severity)
	if job.AlertTarget != "" {
		fmt.Fprintf(out, "  Alert target:   %s\n", job.AlertTarget)
	}
	if job.ManualTriggerURL != "" {
		fmt.Fprintf(out, "  Trigger URL:    %s\n", job.ManualTriggerURL)
	}
	fmt.Fprintf(out, "  Active:         %t\n", job.Active)
	fmt.Fprintf(out, "  Registered:     %s\n", humanize.Time(job.CreatedAt))
}

func runUpdateJob(cmd *cobra.Command, args []string) error {
	patch, err := patchFromFlags(cmd)
	if err != nil {
		return err
	}
	if patch.IsEmpty() {
		return fmt.Errorf("nothing to update: pass at least one field flag")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.registry.Update(cmd.Context(), cliActor, args[0], patch)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Job '%s' updated\n", job.Name)
	printJob(cmd.OutOrStdout(), job)
	return nil
}

// patchFromFlags builds a patch from the flags set on the command line.
func patchFromFlags(cmd *cobra.Command) (store.JobPatch, error) {
	var patch store.JobPatch
	flags := cmd.Flags()

	str := func(name string) *string {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetString(name)
		return &v
	}
	num := func(name string) *int64 {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetInt64(name)
		return &v
	}

	patch.Description = str("description")
	patch.Schedule = str("schedule")
	patch.ManualTriggerURL = str("trigger-url")
	patch.AlertTarget = str("alert-target")
	patch.ExpectedEverySeconds = num("every")
	patch.MaxRuntimeSeconds = num("max-runtime")

	if s := str("severity"); s != nil {
		sev, err := store.ParseSeverity(*s)
		if err != nil {
			return patch, err
		}
		patch.Severity = &sev
	}
	if activate, _ := flags.GetBool("activate"); activate {
		active := true
		patch.Active = &active
	}
	return patch, nil
}

func runDeactivateJob(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.registry.Deactivate(cmd.Context(), cliActor, args[0]); err != nil {
		return fmt.Errorf("failed to deactivate job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Job '%s' deactivated\n", args[0])
	return nil
}

func runDeleteJob(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registry.Delete(cmd.Context(), cliActor, args[0]); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Job '%s' deleted\n", args[0])
	return nil
}

func runDeclareJob(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	spec := specFromFlags(cmd, args[0])
	if err := registry.ValidateName(spec.Name); err != nil {
		return err
	}
	maintainers, _ := cmd.Flags().GetStringSlice("maintainer")

	job := config.Job{
		Name:                 spec.Name,
		Description:          spec.Description,
		Schedule:             spec.Schedule,
		ExpectedEverySeconds: spec.ExpectedEverySeconds,
		MaxRuntimeSeconds:    spec.MaxRuntimeSeconds,
		Severity:             spec.Severity,
		AlertTarget:          spec.AlertTarget,
		ManualTriggerURL:     spec.ManualTriggerURL,
		Maintainers:          maintainers,
	}
	if err := config.AddJob(configPath, job); err != nil {
		return fmt.Errorf("failed to declare job: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Job '%s' added to %s\n", job.Name, configPath)
	return nil
}

func formatMaxRuntime(job *store.Job) string {
	if d, ok := job.MaxRuntime(); ok {
		return d.String()
	}
	return "-"
}

func formatLastRun(r *store.Run) string {
	if r == nil {
		return "never"
	}
	return string(r.Status) + " " + humanize.Time(r.CreatedAt)
}

func formatDuration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	return strconv.FormatFloat(*seconds, 'f', 1, 64) + "s"
}

// truncate truncates a string to a maximum length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
