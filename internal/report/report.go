// Package report renders run results and stored-data summaries for the
// terminal, as tables or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/johnayoung/go-fx-collector/internal/collector"
	"github.com/johnayoung/go-fx-collector/internal/storage"
	"github.com/johnayoung/go-fx-collector/internal/validator"
)

// ItemResult is the serialized form of one outcome.
type ItemResult struct {
	Instrument  string         `json:"instrument"`
	Timeframe   string         `json:"timeframe"`
	RequestID   int64          `json:"request_id"`
	State       string         `json:"state"`
	Bars        int            `json:"bars"`
	RowsWritten int            `json:"rows_written"`
	Skipped     int            `json:"skipped,omitempty"`
	Partial     bool           `json:"partial"`
	RangeStart  string         `json:"range_start,omitempty"`
	RangeEnd    string         `json:"range_end,omitempty"`
	Validation  map[string]int `json:"validation_issues,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// RunResult is the serialized form of a run summary.
type RunResult struct {
	RunID            string       `json:"run_id"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
	DurationSeconds  float64      `json:"duration_seconds"`
	RowsWritten      int          `json:"rows_written"`
	FailedItems      int          `json:"failed_items"`
	PartialItems     int          `json:"partial_items"`
	ValidationIssues int          `json:"validation_issues"`
	Items            []ItemResult `json:"items"`
}

// NewRunResult flattens a summary.
func NewRunResult(s *collector.Summary) RunResult {
	res := RunResult{
		RunID:            s.RunID,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		DurationSeconds:  s.Duration().Seconds(),
		RowsWritten:      s.RowsWritten(),
		FailedItems:      s.FailedItems(),
		PartialItems:     s.PartialItems(),
		ValidationIssues: s.ValidationIssues(),
		Items:            make([]ItemResult, 0, len(s.Outcomes)),
	}
	for _, o := range s.Outcomes {
		inst, tf := o.Item.Key()
		item := ItemResult{
			Instrument:  inst,
			Timeframe:   tf,
			RequestID:   o.RequestID,
			State:       string(o.State),
			Bars:        o.Bars,
			RowsWritten: o.RowsWritten,
			Skipped:     o.Skipped,
			Partial:     o.Partial,
			RangeStart:  o.RangeStart,
			RangeEnd:    o.RangeEnd,
			Validation:  issueCounts(o.Validation),
		}
		if o.Err != nil {
			item.Error = o.Err.Error()
		}
		res.Items = append(res.Items, item)
	}
	return res
}

// WriteRun renders one row per work item followed by the run totals.
func WriteRun(w io.Writer, s *collector.Summary) {
	res := NewRunResult(s)

	t := newTable(w)
	t.SetTitle("Run " + res.RunID)
	t.AppendHeader(table.Row{"Pair", "Timeframe", "Request", "State", "Bars", "Rows", "Validation", "Error"})
	for _, it := range res.Items {
		t.AppendRow(table.Row{
			it.Instrument, it.Timeframe, it.RequestID, stateLabel(it),
			it.Bars, it.RowsWritten, validationLabel(it), it.Error,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", "", res.RowsWritten, res.ValidationIssues, ""})
	t.Render()

	fmt.Fprintf(w, "rows written: %d  failed: %d  partial: %d  validation issues: %d  duration: %s\n",
		res.RowsWritten, res.FailedItems, res.PartialItems, res.ValidationIssues,
		s.Duration().Round(time.Millisecond))
}

// WriteRunJSON writes the run summary as indented JSON.
func WriteRunJSON(w io.Writer, s *collector.Summary) error {
	return writeJSON(w, NewRunResult(s))
}

func stateLabel(it ItemResult) string {
	if it.Partial {
		return it.State + " (partial)"
	}
	return it.State
}

func validationLabel(it ItemResult) string {
	if it.RowsWritten == 0 {
		return "-"
	}
	if len(it.Validation) == 0 {
		return "ok"
	}
	return issueList(it.Validation)
}

// issueCounts returns the non-zero counts of r, or nil when there are none.
func issueCounts(r *validator.Report) map[string]int {
	kinds := r.Kinds()
	if len(kinds) == 0 {
		return nil
	}
	out := make(map[string]int, len(kinds))
	for _, k := range kinds {
		out[string(k)] = r.Issues[k]
	}
	return out
}

func issueList(issues map[string]int) string {
	parts := make([]string, 0, len(issues))
	for kind, n := range issues {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// WriteSummaries renders row counts and date ranges per stored key.
func WriteSummaries(w io.Writer, sums []storage.KeySummary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Pair", "Timeframe", "Rows", "First", "Last"})
	total := 0
	for _, s := range sums {
		t.AppendRow(table.Row{s.Instrument, s.Timeframe, s.Rows, s.First, s.Last})
		total += s.Rows
	}
	t.AppendFooter(table.Row{"", "Total", total, "", ""})
	t.Render()
}

// WriteSummariesJSON writes the key summaries as indented JSON.
func WriteSummariesJSON(w io.Writer, sums []storage.KeySummary) error {
	if sums == nil {
		sums = []storage.KeySummary{}
	}
	return writeJSON(w, sums)
}

// WriteValidation renders one row per validated key.
func WriteValidation(w io.Writer, reports []*validator.Report) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Pair", "Timeframe", "Rows", "Result", "Issues"})
	for _, r := range reports {
		result := "ok"
		if !r.OK {
			result = "issues"
		}
		t.AppendRow(table.Row{r.Instrument, r.Timeframe, r.Rows, result, issueList(issueCounts(r))})
	}
	t.Render()

	for _, r := range reports {
		for _, s := range r.Samples {
			kinds := make([]string, len(s.Kinds))
			for i, k := range s.Kinds {
				kinds[i] = string(k)
			}
			fmt.Fprintf(w, "  %s %s %s: %s\n", r.Instrument, r.Timeframe, s.Time, strings.Join(kinds, ", "))
		}
	}
}

// WriteValidationJSON writes validation reports as indented JSON.
func WriteValidationJSON(w io.Writer, reports []*validator.Report) error {
	if reports == nil {
		reports = []*validator.Report{}
	}
	return writeJSON(w, reports)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
