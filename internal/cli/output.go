package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// printReport writes a run report in text or JSON form, depending on the
// global --json flag.
func printReport(w io.Writer, r *model.RunReport) {
	if IsJSONOutput() {
		data, _ := json.MarshalIndent(r, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	printReportText(w, r)
}

// printReportText writes the report as a header followed by one row per
// stage result:
//
//	Run:      0190c3e2-...
//	State:    complete
//	Version:  1.2.1 -> 1.3.0
//	Artifact: sha256:4f1c...
//
//	STAGE              OUTCOME   ATTEMPT  DURATION  DETAIL
//	dry-run            passed    1        0.4s      -
func printReportText(w io.Writer, r *model.RunReport) {
	fmt.Fprintf(w, "Run:      %s\n", r.RunID)
	fmt.Fprintf(w, "State:    %s\n", r.State)
	fmt.Fprintf(w, "Version:  %s\n", FormatVersionChange(r.Decision))
	if r.ArtifactDigest != "" {
		fmt.Fprintf(w, "Artifact: sha256:%s\n", r.ArtifactDigest)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-18s %-9s %-8s %-9s %s\n", "STAGE", "OUTCOME", "ATTEMPT", "DURATION", "DETAIL")
	for _, res := range r.Results {
		outcome := res.Outcome.String()
		if res.TimedOut {
			outcome = "timeout"
		}
		fmt.Fprintf(w, "%-18s %-9s %-8d %-9s %s\n",
			res.Stage,
			outcome,
			res.Attempt,
			FormatDuration(res.Duration()),
			FormatDetail(res.Detail),
		)
	}
}

// printRuns writes the run history in text or JSON form.
func printRuns(w io.Writer, runs []model.RunReport) {
	if IsJSONOutput() {
		type resultJSON struct {
			Runs []model.RunReport `json:"runs"`
		}
		// An empty slice keeps the output `[]` instead of `null`.
		result := resultJSON{Runs: append(make([]model.RunReport, 0, len(runs)), runs...)}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	fmt.Fprintf(w, "%-36s %-20s %-16s %-20s %s\n", "RUN", "STARTED", "VERSION", "STATE", "STAGES")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(w, "%-36s %-20s %-16s %-20s %s\n",
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			FormatVersionChange(r.Decision),
			r.State,
			FormatOutcomes(r.Results),
		)
	}
}

// FormatVersionChange renders a decision as "previous -> next". A first
// release shows "(none)" as the previous version and a decision without a
// release shows "-".
func FormatVersionChange(d model.VersionDecision) string {
	if !d.HasRelease || d.NextVersion == nil {
		return "-"
	}
	prev := "(none)"
	if d.PreviousVersion != nil {
		prev = d.PreviousVersion.String()
	}
	return prev + " -> " + d.NextVersion.String()
}

// FormatOutcomes condenses stage results into one letter per result:
// P passed, F failed, T timed out, - skipped.
//
// Example:
//
//	[passed, failed, skipped, skipped] → "PF--"
func FormatOutcomes(results []model.StageResult) string {
	if len(results) == 0 {
		return "-"
	}
	var b strings.Builder
	for _, res := range results {
		switch {
		case res.TimedOut:
			b.WriteByte('T')
		case res.Outcome == model.OutcomePassed:
			b.WriteByte('P')
		case res.Outcome == model.OutcomeFailed:
			b.WriteByte('F')
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// FormatDuration rounds d for display. Zero (a skipped stage) shows "-".
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// FormatDetail keeps the first line of a stage detail. Empty shows "-".
func FormatDetail(detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return "-"
	}
	if i := strings.IndexByte(detail, '\n'); i >= 0 {
		return detail[:i] + " ..."
	}
	return detail
}
