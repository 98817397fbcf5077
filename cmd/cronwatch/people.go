package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/caevv/cronwatch/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var maintainerCmd = &cobra.Command{
	Use:   "maintainer",
	Short: "Manage job maintainers",
	Long: `Maintainers receive a job's alerts and may update or deactivate it.

Examples:
  cronwatch maintainer add backup U024BE7LH
  cronwatch maintainer list backup
  cronwatch maintainer remove backup U024BE7LH`,
}

var addMaintainerCmd = &cobra.Command{
	Use:   "add <job> <user>",
	Short: "Add a maintainer to a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.registry.AddMaintainer(cmd.Context(), cliActor, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to add maintainer: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s now maintains '%s'\n", args[1], args[0])
		return nil
	},
}

var removeMaintainerCmd = &cobra.Command{
	Use:   "remove <job> <user>",
	Short: "Remove a maintainer from a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.registry.RemoveMaintainer(cmd.Context(), cliActor, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to remove maintainer: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s no longer maintains '%s'\n", args[1], args[0])
		return nil
	},
}

var listMaintainersCmd = &cobra.Command{
	Use:   "list <job>",
	Short: "List the maintainers of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		if _, err := a.registry.Get(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		maintainers, err := a.registry.ListMaintainers(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(maintainers) == 0 {
			fmt.Fprintf(out, "No maintainers for '%s'\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "USER\tADDED BY\tADDED")
		for _, m := range maintainers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.UserID, orDash(m.AddedBy), humanize.Time(m.CreatedAt))
		}
		w.Flush()
		return nil
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage admins",
	Long: `Admins may register, update and delete any job and manage maintainers
and other admins. Super admins cannot be removed.

Examples:
  cronwatch admin add U024BE7LH
  cronwatch admin list`,
}

var addAdminCmd = &cobra.Command{
	Use:   "add <user>",
	Short: "Grant admin rights",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.registry.AddAdmin(cmd.Context(), cliActor, args[0]); err != nil {
			return fmt.Errorf("failed to add admin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now an admin\n", args[0])
		return nil
	},
}

var removeAdminCmd = &cobra.Command{
	Use:   "remove <user>",
	Short: "Revoke admin rights",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.registry.RemoveAdmin(cmd.Context(), cliActor, args[0]); err != nil {
			return fmt.Errorf("failed to remove admin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is no longer an admin\n", args[0])
		return nil
	},
}

var listAdminsCmd = &cobra.Command{
	Use:   "list",
	Short: "List admins",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		admins, err := a.registry.ListAdmins(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(admins) == 0 {
			fmt.Fprintln(out, "No admins")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "USER\tSUPER\tADDED")
		for _, ad := range admins {
			fmt.Fprintf(w, "%s\t%t\t%s\n", ad.UserID, ad.IsSuperAdmin, humanize.Time(ad.AddedAt))
		}
		w.Flush()
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the registry audit log",
	Long: `List registry changes, newest first.

Examples:
  cronwatch activity
  cronwatch activity --job backup
  cronwatch activity --actor U024BE7LH --limit 10`,
	RunE: runActivity,
}

func init() {
	maintainerCmd.AddCommand(addMaintainerCmd, removeMaintainerCmd, listMaintainersCmd)
	adminCmd.AddCommand(addAdminCmd, removeAdminCmd, listAdminsCmd)

	activityCmd.Flags().String("job", "", "Only entries for this job")
	activityCmd.Flags().String("actor", "", "Only entries by this actor")
	activityCmd.Flags().Int("limit", store.DefaultRecentLimit, "Maximum number of entries")
}

func runActivity(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var filter store.ActivityFilter
	filter.JobName, _ = cmd.Flags().GetString("job")
	filter.Actor, _ = cmd.Flags().GetString("actor")
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	entries, err := a.registry.Activity(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No activity recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "WHEN\tEVENT\tJOB\tACTOR\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.EventType,
			orDash(e.JobName),
			e.Actor,
			truncate(e.Detail, 60),
		)
	}
	w.Flush()
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
