package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a text timeline.
func FormatTimeline(res *ReplayResult) string {
	label := res.Filter.Origin
	if res.Filter.RequestID != "" {
		label = res.Filter.RequestID
	}
	if label == "" {
		label = "all"
	}
	if len(res.Entries) == 0 {
		return fmt.Sprintf("Bridge audit: %s | No entries found.\n", label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Bridge audit: %s | %s–%s UTC\n", label,
		reformat(res.Summary.FirstTimestamp, "2006-01-02 15:04:05"),
		reformat(res.Summary.LastTimestamp, "15:04:05"))
	b.WriteString(separator + "\n")

	for _, e := range res.Entries {
		detail := e.Reason
		if e.FaultCode != 0 {
			detail = fmt.Sprintf("%d %s", e.FaultCode, e.Reason)
		}
		fmt.Fprintf(&b, "%-10s %-11s %-28s %-24s %s\n",
			reformat(e.Timestamp, "15:04:05"),
			strings.ToUpper(e.Decision),
			truncate(e.Origin, 28),
			truncate(e.Method, 24),
			detail)
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(res.Summary))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(res *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func reformat(ts, layout string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format(layout)
}

func formatSummary(s ReplaySummary) string {
	keys := make([]string, 0, len(s.Decisions))
	for k := range s.Decisions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", s.Decisions[k], k))
	}
	return fmt.Sprintf("Summary: %s | %d origin(s)\n", strings.Join(parts, ", "), s.Origins)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
