package validator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-fx-collector/internal/models"
	"github.com/johnayoung/go-fx-collector/internal/storage"
)

// DefaultMaxSamples bounds the example rows kept per report.
const DefaultMaxSamples = 5

// OHLCVValidator checks bar consistency using decimal comparisons so that
// float noise never produces a spurious issue.
type OHLCVValidator struct {
	reader     storage.BarReader
	logger     *slog.Logger
	maxSamples int
}

// NewOHLCVValidator creates a validator over reader. A negative maxSamples
// selects the default; zero keeps no samples.
func NewOHLCVValidator(reader storage.BarReader, maxSamples int, logger *slog.Logger) *OHLCVValidator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSamples < 0 {
		maxSamples = DefaultMaxSamples
	}
	return &OHLCVValidator{
		reader:     reader,
		logger:     logger.With("component", "validator"),
		maxSamples: maxSamples,
	}
}

// Validate reads every stored row of the key and counts rule violations.
func (v *OHLCVValidator) Validate(ctx context.Context, instrument, timeframe string) (*Report, error) {
	rows, err := v.reader.Rows(ctx, instrument, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows for %s %s: %w", instrument, timeframe, err)
	}

	report := CheckRows(rows, v.maxSamples)
	report.Instrument = instrument
	report.Timeframe = timeframe

	if report.OK {
		v.logger.Debug("validation passed",
			"pair", instrument,
			"timeframe", timeframe,
			"rows", report.Rows)
	} else {
		v.logger.Warn("validation found issues",
			"pair", instrument,
			"timeframe", timeframe,
			"rows", report.Rows,
			"issues", report.TotalIssues())
	}
	return report, nil
}

// CheckRows applies every rule to rows. Instrument and timeframe of the
// returned report are left empty.
func CheckRows(rows []models.StoredRow, maxSamples int) *Report {
	report := &Report{
		Rows:   len(rows),
		Issues: make(map[IssueKind]int, len(AllIssueKinds)),
	}
	for _, k := range AllIssueKinds {
		report.Issues[k] = 0
	}

	for _, r := range rows {
		kinds := checkRow(r)
		if len(kinds) == 0 {
			continue
		}
		for _, k := range kinds {
			report.Issues[k]++
		}
		if len(report.Samples) < maxSamples {
			report.Samples = append(report.Samples, Sample{
				Time:   r.Time,
				Kinds:  kinds,
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
	}

	report.OK = report.TotalIssues() == 0
	return report
}

// checkRow returns the rules row violates. A row with a null price is only
// checked for that, since the ordering rules need all four prices.
func checkRow(r models.StoredRow) []IssueKind {
	if r.Open == nil || r.High == nil || r.Low == nil || r.Close == nil {
		return []IssueKind{IssueNullPrice}
	}

	open := decimal.NewFromFloat(*r.Open)
	high := decimal.NewFromFloat(*r.High)
	low := decimal.NewFromFloat(*r.Low)
	close := decimal.NewFromFloat(*r.Close)

	var kinds []IssueKind
	for _, p := range []decimal.Decimal{open, high, low, close} {
		if !p.IsPositive() {
			kinds = append(kinds, IssueNonPositivePrice)
			break
		}
	}
	if low.GreaterThan(high) {
		kinds = append(kinds, IssueLowAboveHigh)
	}
	if close.GreaterThan(high) {
		kinds = append(kinds, IssueCloseAboveHigh)
	}
	if close.LessThan(low) {
		kinds = append(kinds, IssueCloseBelowLow)
	}
	if open.GreaterThan(high) {
		kinds = append(kinds, IssueOpenAboveHigh)
	}
	if open.LessThan(low) {
		kinds = append(kinds, IssueOpenBelowLow)
	}
	return kinds
}

var _ DataValidator = (*OHLCVValidator)(nil)
