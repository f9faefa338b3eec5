package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RenderReportMarkdown 把校验报告渲染为 Markdown，供 CLI 输出与后台页面使用
func RenderReportMarkdown(report *Report) string {
	var b strings.Builder

	status := "Consistent"
	if !report.Consistent {
		status = "Drift detected"
	}
	fmt.Fprintf(&b, "# Consistency report\n\n")
	fmt.Fprintf(&b, "**Status:** %s  \n", status)
	fmt.Fprintf(&b, "**Started:** %s  \n", report.StartedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "**Duration:** %dms  \n", report.Duration().Milliseconds())
	fmt.Fprintf(&b, "**Drift rate:** %.2f%%\n\n", report.DriftRate*100)

	counts := report.Stats.Counts
	b.WriteString("## Counts\n\n")
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Legacy weeks | %d |\n", counts.LegacyWeeks)
	fmt.Fprintf(&b, "| Legacy Monday weeks | %d |\n", counts.LegacyMondayWeeks)
	fmt.Fprintf(&b, "| Excluded (non-Monday) | %d |\n", counts.ExcludedNonMonday)
	fmt.Fprintf(&b, "| Normalized weeks | %d |\n", counts.NormalizedWeeks)
	fmt.Fprintf(&b, "| Missing | %d |\n", counts.Missing)
	fmt.Fprintf(&b, "| Surplus | %d |\n\n", counts.Surplus)

	stats := report.Stats
	b.WriteString("## Sample\n\n")
	fmt.Fprintf(&b, "Checked %d of %d sampled rows: %d matched, %d mismatched, %d excluded.\n\n",
		stats.Checked, stats.Sampled, stats.Matched, stats.Mismatches, stats.Excluded)

	if len(stats.SourceVersions) > 0 {
		b.WriteString("## Source versions\n\n| Tag | Weeks |\n|---|---|\n")
		tags := make([]string, 0, len(stats.SourceVersions))
		for tag := range stats.SourceVersions {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			fmt.Fprintf(&b, "| %s | %d |\n", escapeCell(tag), stats.SourceVersions[tag])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Issues\n\n")
	if len(report.Issues) == 0 {
		b.WriteString("No issues found.\n")
		return b.String()
	}
	b.WriteString("| Severity | Type | Table | Message | Detail |\n|---|---|---|---|---|\n")
	for _, issue := range report.Issues {
		detail := ""
		if len(issue.Detail) > 0 {
			if raw, err := json.Marshal(issue.Detail); err == nil {
				detail = "`" + strings.ReplaceAll(string(raw), "`", "'") + "`"
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			issue.Severity, issue.Type, escapeCell(issue.Table), escapeCell(issue.Message), escapeCell(detail))
	}
	return b.String()
}

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	return strings.ReplaceAll(value, "\n", " ")
}
