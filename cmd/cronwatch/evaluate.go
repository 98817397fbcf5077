package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/leader"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/spf13/cobra"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one health evaluation",
	Long: `Evaluate every active job once and print the anomalies found.

With --dispatch the tick also sends alerts, exactly like a scheduled tick
of "cronwatch serve". Alert state lives in memory, so every anomaly counts
as new on a one-shot run.

Examples:
  cronwatch evaluate
  cronwatch evaluate --dispatch`,
	RunE: runEvaluate,
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print or publish today's digest",
	Long: `Build the digest of today's runs per job.

The digest is printed to stdout. With --publish it is also posted to the
configured digest channel and hooks.

Examples:
  cronwatch digest
  cronwatch digest --publish`,
	RunE: runDigest,
}

func init() {
	evaluateCmd.Flags().Bool("dispatch", false, "Send alerts for the anomalies found")
	digestCmd.Flags().Bool("publish", false, "Post the digest to the digest channel and hooks")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	dispatch, _ := cmd.Flags().GetBool("dispatch")
	var anomalies []health.Anomaly
	if dispatch {
		n, err := buildNotifiers(a.cfg)
		if err != nil {
			return err
		}
		mon, err := a.buildMonitor(n, buildLocker(a.cfg, a.store))
		if err != nil {
			return err
		}
		defer mon.Resign(context.WithoutCancel(ctx))
		res, err := mon.Tick(ctx)
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "Evaluation skipped: %s\n", res.Reason)
			return nil
		}
		defer fmt.Fprintf(cmd.OutOrStdout(), "\nAlerts delivered: %d, failed: %d\n", res.Delivered, res.Failed)
		anomalies = res.Anomalies
	} else {
		mon, err := a.buildMonitor(&notifiers{Router: notify.NewLogChannel(logger)}, leader.Local{})
		if err != nil {
			return err
		}
		anomalies, err = mon.Anomalies(ctx)
		if err != nil {
			return err
		}
	}

	printAnomalies(cmd, anomalies)
	return nil
}

func printAnomalies(cmd *cobra.Command, anomalies []health.Anomaly) {
	out := cmd.OutOrStdout()
	if len(anomalies) == 0 {
		fmt.Fprintln(out, "✓ All jobs healthy")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "JOB\tKIND\tSEVERITY\tDETAIL")
	for _, an := range anomalies {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", an.JobName, an.Kind, an.Severity, an.Detail)
	}
	w.Flush()
	fmt.Fprintf(out, "\nAnomalies: %d\n", len(anomalies))
}

func runDigest(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	publish, _ := cmd.Flags().GetBool("publish")
	n := &notifiers{Router: notify.NewLogChannel(logger)}
	if publish {
		if n, err = buildNotifiers(a.cfg); err != nil {
			return err
		}
	}
	mon, err := a.buildMonitor(n, buildLocker(a.cfg, a.store))
	if err != nil {
		return err
	}
	defer mon.Resign(context.WithoutCancel(ctx))

	d, err := mon.Digest(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), notify.DigestMessage(d).Text)

	if publish {
		if a.cfg.Digest.Channel == "" && n.Hooks == nil {
			return fmt.Errorf("nothing to publish to: set digest.channel or notify.hooks")
		}
		if err := mon.PublishDigest(ctx); err != nil {
			return fmt.Errorf("failed to publish digest: %w", err)
		}
		fmt.Fprintln(os.Stderr, "✓ Digest published")
	}
	return nil
}
