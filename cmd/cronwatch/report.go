package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/caevv/cronwatch/internal/client"
	"github.com/caevv/cronwatch/internal/server"
	"github.com/caevv/cronwatch/internal/store"
	"github.com/spf13/cobra"
)

// outputTailBytes bounds the command output kept as the run message.
const outputTailBytes = 2000

var runsCmd = &cobra.Command{
	Use:   "runs [job]",
	Short: "List recent runs",
	Long: `List recent runs of one job, or of all jobs when no job is given.

Examples:
  cronwatch runs
  cronwatch runs backup --limit 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: runListRuns,
}

var reportCmd = &cobra.Command{
	Use:   "report <job> <status>",
	Short: "Report a run to a running server",
	Long: `Report one run of a job to a cronwatch server. Status is started,
success or failed.

Examples:
  cronwatch report backup started
  cronwatch report backup success --duration 42.5
  cronwatch report backup failed --message "disk full"`,
	Args: cobra.ExactArgs(2),
	RunE: runReport,
}

var execCmd = &cobra.Command{
	Use:   "exec <job> -- <command> [args...]",
	Short: "Run a command and report its outcome",
	Long: `Report a started run, execute the command, then report success or failed
with the duration and the tail of the command output. The command's output
is passed through and its exit code is returned.

Reporting problems are logged but never stop the command from running.

Example:
  cronwatch exec backup --timeout 1h -- /usr/local/bin/backup.sh --full`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running server",
	Long: `Call /health on a cronwatch server and exit non-zero when it does not
answer. With --anomalies the current anomalies are printed too.

Example:
  cronwatch healthcheck --server http://cronwatch:8080`,
	RunE: runHealthcheck,
}

func init() {
	runsCmd.Flags().Int("limit", store.DefaultRecentLimit, "Maximum number of runs")

	for _, c := range []*cobra.Command{reportCmd, execCmd, healthcheckCmd} {
		c.Flags().String("server", "", "Server base URL (default derived from server.addr)")
		c.Flags().String("token", "", "API token (default server.api_token)")
		c.Flags().Duration("request-timeout", 10*time.Second, "Timeout for each API request")
	}
	reportCmd.Flags().String("message", "", "Free-form message")
	reportCmd.Flags().Float64("duration", -1, "Run duration in seconds")
	reportCmd.Flags().String("triggered-by", "", "Who triggered the run (default schedule)")
	execCmd.Flags().Duration("timeout", 0, "Kill the command after this long (0 disables)")
	execCmd.Flags().String("triggered-by", "", "Who triggered the run (default schedule)")
	healthcheckCmd.Flags().Bool("anomalies", false, "Also print current anomalies")
}

func runListRuns(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	var runs []*store.Run
	if len(args) == 1 {
		if _, err := a.registry.Get(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		runs, err = a.store.RecentRunsForJob(ctx, args[0], limit)
	} else {
		runs, err = a.store.RecentRuns(ctx, limit)
	}
	if err != nil {
		return err
	}

	printRuns(cmd.OutOrStdout(), runs, len(args) == 0)
	return nil
}

func printRuns(out io.Writer, runs []*store.Run, withJob bool) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	if withJob {
		fmt.Fprintln(w, "ID\tJOB\tSTATUS\tDURATION\tBY\tREPORTED\tMESSAGE")
	} else {
		fmt.Fprintln(w, "ID\tSTATUS\tDURATION\tBY\tREPORTED\tMESSAGE")
	}
	for _, r := range runs {
		msg := truncate(strings.ReplaceAll(r.Message, "\n", " "), 50)
		reported := r.CreatedAt.Local().Format("2006-01-02 15:04:05")
		if withJob {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.JobName, r.Status, formatDuration(r.DurationSeconds), r.TriggeredBy, reported, msg)
		} else {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Status, formatDuration(r.DurationSeconds), r.TriggeredBy, reported, msg)
		}
	}
	w.Flush()
}

// newClient builds an API client from --server/--token, falling back to the
// config server block.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	baseURL, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("request-timeout")

	if baseURL == "" || token == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		if baseURL == "" {
			baseURL = baseURLFromAddr(cfg.Server.Addr)
		}
		if token == "" {
			token = cfg.Server.APIToken
		}
	}
	return client.New(baseURL, token, timeout), nil
}

// baseURLFromAddr turns a listen address such as ":8080" into a URL.
func baseURLFromAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
	return "http://" + host
}

func runReport(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	req := server.ReportRequest{Status: args[1]}
	req.Message, _ = cmd.Flags().GetString("message")
	req.TriggeredBy, _ = cmd.Flags().GetString("triggered-by")
	if d, _ := cmd.Flags().GetFloat64("duration"); cmd.Flags().Changed("duration") {
		req.DurationSeconds = &d
	}

	run, err := c.Report(cmd.Context(), args[0], req)
	if err != nil {
		return fmt.Errorf("failed to report run: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Run %d recorded for '%s' (%s)\n", run.ID, run.JobName, run.Status)
	return nil
}

// exitCodeError carries the exit code of a wrapped command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// reporter is the part of the API client exec needs.
type reporter interface {
	Report(ctx context.Context, job string, report server.ReportRequest) (*store.Run, error)
}

func runExec(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	triggeredBy, _ := cmd.Flags().GetString("triggered-by")

	ctx := setupSignalHandler()
	code, err := execAndReport(ctx, c, execSpec{
		Job:         args[0],
		Argv:        args[1:],
		Timeout:     timeout,
		TriggeredBy: triggeredBy,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	})
	if err != nil {
		return &exitCodeError{code: code, err: err}
	}
	return nil
}

type execSpec struct {
	Job         string
	Argv        []string
	Timeout     time.Duration
	TriggeredBy string
	Stdout      io.Writer
	Stderr      io.Writer
}

// execAndReport runs spec.Argv between a started and a terminal report and
// returns the command's exit code.
func execAndReport(ctx context.Context, r reporter, spec execSpec) (int, error) {
	report := func(req server.ReportRequest) {
		req.TriggeredBy = spec.TriggeredBy
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if _, err := r.Report(reportCtx, spec.Job, req); err != nil {
			logger.Warn("failed to report run", "job_name", spec.Job, "status", req.Status, "error", err)
		}
	}

	report(server.ReportRequest{Status: string(store.StatusStarted)})

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	tail := newTailBuffer(outputTailBytes)
	command := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	command.Stdin = os.Stdin
	command.Stdout = io.MultiWriter(spec.Stdout, tail)
	command.Stderr = io.MultiWriter(spec.Stderr, tail)

	logger.Debug("executing command", "job_name", spec.Job, "command", strings.Join(spec.Argv, " "))
	start := time.Now()
	runErr := command.Run()
	seconds := time.Since(start).Seconds()

	code := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		if code <= 0 {
			code = 1
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("timed out after %s: %w", spec.Timeout, runErr)
		}
	}

	req := server.ReportRequest{
		Status:          string(store.StatusSuccess),
		Message:         tail.String(),
		DurationSeconds: &seconds,
	}
	if runErr != nil {
		req.Status = string(store.StatusFailed)
		req.Message = strings.TrimSpace(runErr.Error() + "\n" + tail.String())
	}
	report(req)

	if runErr != nil {
		return code, fmt.Errorf("command failed: %w", runErr)
	}
	return 0, nil
}

// tailBuffer keeps the last limit bytes written to it. The command's stdout
// and stderr copiers write to it concurrently.
type tailBuffer struct {
	limit int

	mu  sync.Mutex
	buf bytes.Buffer
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	h, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %s (version %s, up %s)\n", h.Status, h.Version, h.Uptime)
	if !h.LastTick.IsZero() {
		fmt.Fprintf(out, "  Last evaluation: %s\n", h.LastTick.Local().Format(time.RFC3339))
	}

	if withAnomalies, _ := cmd.Flags().GetBool("anomalies"); withAnomalies {
		resp, err := c.Anomalies(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch anomalies: %w", err)
		}
		fmt.Fprintln(out)
		printAnomalies(cmd, resp.Anomalies)
	}
	return nil
}
