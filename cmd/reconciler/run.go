package main

import (
	"github.com/spf13/cobra"

	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

var (
	planParams     tasks.PlanParams
	executeRerun   bool
	cleanupDryRun  bool
	cleanupLimit   int
	cleanupPreview bool
	cleanupCSV     bool
)

var planCmd = &cobra.Command{
	Use:   "plan <repository>",
	Short: "Scan a repository and persist a reconciliation plan",
	Long: `Diff the blob store listing against the repository's asset records and
persist the repair plan. Nothing is modified.

Examples:
  reconciler plan maven-releases
  reconciler plan maven-releases --dry-run
  reconciler plan maven-releases --undelete --integrity-check --since-days 7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		params := planParams
		params.Repository = args[0]
		plan, err := a.runner.Plan(cmd.Context(), params)
		if err != nil {
			return err
		}
		printPlan(cmd.OutOrStdout(), plan)
		return nil
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <plan-id>",
	Short: "Apply a persisted plan",
	Long: `Apply a persisted plan under its lease. An interrupted execution resumes
from the persisted outcomes; a completed plan prints its stored report unless
--rerun is given.

Examples:
  reconciler execute 1f0c...
  reconciler execute 1f0c... --rerun`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.runner.Execute(cmd.Context(), tasks.ExecuteParams{PlanID: args[0], Rerun: executeRerun})
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
		return err
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <repository> <policy>",
	Short: "Preview or run a saved cleanup policy",
	Long: `Evaluate a saved cleanup policy against a repository and delete the
component versions it selects. Each candidate is re-ranked just before it is
deleted. Blobs released by the deletion are removed by the next plan.

Examples:
  reconciler cleanup maven-releases keep-five --preview
  reconciler cleanup maven-releases keep-five --preview --csv > candidates.csv
  reconciler cleanup maven-releases keep-five --limit 100`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()
		repo, name := args[0], args[1]

		if cleanupPreview {
			policy, err := a.stores.Policies.GetPolicy(ctx, repo, name)
			if err != nil {
				return err
			}
			preview, err := cleanup.Preview(ctx, repo, name, a.engine.Candidates(ctx, a.stores.Metadata, repo, policy), cleanupLimit)
			if err != nil {
				return err
			}
			if cleanupCSV {
				return cleanup.WriteCSV(cmd.OutOrStdout(), preview.Items)
			}
			printPreview(cmd.OutOrStdout(), preview)
			return nil
		}

		report, err := a.runner.Cleanup(ctx, tasks.CleanupParams{
			Repository: repo, Policy: name, Limit: cleanupLimit, DryRun: cleanupDryRun,
		})
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
		return err
	},
}

func init() {
	planCmd.Flags().BoolVar(&planParams.DryRun, "dry-run", false, "mark the plan report-only")
	planCmd.Flags().BoolVar(&planParams.Undelete, "undelete", false, "undelete soft-deleted blobs that assets still reference")
	planCmd.Flags().BoolVar(&planParams.IntegrityCheck, "integrity-check", false, "remove assets whose sha1 disagrees with their blob")
	planCmd.Flags().IntVar(&planParams.SinceDays, "since-days", 0, "only decide about blobs created within this many days (0 for all)")
	executeCmd.Flags().BoolVar(&executeRerun, "rerun", false, "re-apply every action of the plan")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "record candidates as skipped without deleting")
	cleanupCmd.Flags().IntVar(&cleanupLimit, "limit", 0, "maximum number of candidates (0 for all, preview defaults to 50)")
	cleanupCmd.Flags().BoolVar(&cleanupPreview, "preview", false, "list candidates without running")
	cleanupCmd.Flags().BoolVar(&cleanupCSV, "csv", false, "write the preview as CSV")
}
