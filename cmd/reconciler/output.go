package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
)

func printTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
}

func printPlan(w io.Writer, plan *reconcile.Plan) {
	fmt.Fprintf(w, "Plan %s for %s: %s, %d actions", plan.ID, plan.Repository, plan.Status, len(plan.Actions))
	if plan.DryRun {
		fmt.Fprint(w, " (dry run)")
	}
	fmt.Fprintln(w)
	if len(plan.Actions) == 0 {
		return
	}
	rows := make([][]string, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		asset := ""
		if a.AssetID != uuid.Nil {
			asset = a.AssetID.String()
		}
		rows = append(rows, []string{strconv.Itoa(a.Seq), string(a.Kind), string(a.BlobID), asset})
	}
	printTable(w, []string{"Seq", "Kind", "Blob", "Asset"}, rows)
}

func printReport(w io.Writer, report *reconcile.ExecutionReport) {
	fmt.Fprintf(w, "Run %s for %s: %s (applied %d, skipped %d, failed %d) in %s\n",
		report.PlanID, report.Repository, report.Status,
		report.Applied, report.Skipped, report.Failed,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.Error != "" {
		fmt.Fprintf(w, "Error: %s (retryable: %t)\n", report.Error, report.Retryable)
	}
	if len(report.Outcomes) == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		rows = append(rows, []string{
			strconv.Itoa(o.Seq), o.Kind, o.Target, string(o.Result), strconv.Itoa(o.Attempts), o.Reason,
		})
	}
	printTable(w, []string{"Seq", "Kind", "Target", "Result", "Attempts", "Reason"}, rows)
}

func printPreview(w io.Writer, preview *cleanup.PreviewResult) {
	rows := make([][]string, 0, len(preview.Items))
	for _, it := range preview.Items {
		rows = append(rows, []string{
			it.Group, it.Name, it.Version, strconv.Itoa(it.Rank), it.LastDownloaded, it.LastBlobUpdated,
		})
	}
	printTable(w, []string{"Group", "Name", "Version", "Rank", "Last Downloaded", "Last Blob Updated"}, rows)
	if preview.Truncated {
		fmt.Fprintf(w, "Showing the first %d candidates.\n", len(preview.Items))
	}
}

func printPolicies(w io.Writer, policies []*reconcile.CleanupPolicy) {
	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		prerelease := "any"
		if p.IsPrerelease != nil {
			prerelease = strconv.FormatBool(*p.IsPrerelease)
		}
		rows = append(rows, []string{
			p.Name, p.Format, strconv.Itoa(p.RetainCount), string(p.RetainSortBy),
			days(p.MaxAgeDays), days(p.UnusedDays), p.ExcludeRegex, prerelease,
		})
	}
	printTable(w, []string{"Name", "Format", "Retain", "Sort By", "Max Age", "Unused", "Exclude", "Prerelease"}, rows)
}

func days(n int) string {
	if n <= 0 {
		return "-"
	}
	return strconv.Itoa(n) + "d"
}
