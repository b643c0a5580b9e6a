// Package validator checks stored bars for logical consistency.
//
// Validation is read-only: it reports issues found in the bar table and never
// modifies or deletes rows. Issues are findings, not errors; Validate only
// returns an error when the rows cannot be read.
package validator

import (
	"context"
	"sort"
)

// IssueKind names one consistency rule.
type IssueKind string

const (
	IssueNullPrice        IssueKind = "null_price"
	IssueNonPositivePrice IssueKind = "nonpositive_price"
	IssueLowAboveHigh     IssueKind = "low_above_high"
	IssueCloseAboveHigh   IssueKind = "close_above_high"
	IssueCloseBelowLow    IssueKind = "close_below_low"
	IssueOpenAboveHigh    IssueKind = "open_above_high"
	IssueOpenBelowLow     IssueKind = "open_below_low"
)

// AllIssueKinds lists every rule in report order.
var AllIssueKinds = []IssueKind{
	IssueNullPrice,
	IssueNonPositivePrice,
	IssueLowAboveHigh,
	IssueCloseAboveHigh,
	IssueCloseBelowLow,
	IssueOpenAboveHigh,
	IssueOpenBelowLow,
}

// Sample is one offending row kept as an example.
type Sample struct {
	Time   string      `json:"bar_time"`
	Kinds  []IssueKind `json:"kinds"`
	Open   *float64    `json:"open"`
	High   *float64    `json:"high"`
	Low    *float64    `json:"low"`
	Close  *float64    `json:"close"`
	Volume *int64      `json:"volume"`
}

// Report is the result of validating one (instrument, timeframe) key.
type Report struct {
	Instrument string            `json:"instrument"`
	Timeframe  string            `json:"timeframe"`
	Rows       int               `json:"rows"`
	OK         bool              `json:"ok"`
	Issues     map[IssueKind]int `json:"issues"`
	Samples    []Sample          `json:"samples,omitempty"`
}

// TotalIssues sums the per-kind counts. A row violating two rules counts twice.
func (r *Report) TotalIssues() int {
	if r == nil {
		return 0
	}
	total := 0
	for _, n := range r.Issues {
		total += n
	}
	return total
}

// Kinds returns the kinds with a non-zero count in report order.
func (r *Report) Kinds() []IssueKind {
	if r == nil {
		return nil
	}
	var out []IssueKind
	for _, k := range AllIssueKinds {
		if r.Issues[k] > 0 {
			out = append(out, k)
		}
	}
	// Unknown kinds, if any, go last in name order.
	var extra []IssueKind
	for k, n := range r.Issues {
		if n > 0 && !knownKind(k) {
			extra = append(extra, k)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func knownKind(k IssueKind) bool {
	for _, known := range AllIssueKinds {
		if k == known {
			return true
		}
	}
	return false
}

// DataValidator validates the stored rows of one key.
type DataValidator interface {
	Validate(ctx context.Context, instrument, timeframe string) (*Report, error)
}
