package validator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-fx-collector/internal/models"
	"github.com/johnayoung/go-fx-collector/internal/storage"
)

func p(v float64) *float64 { return &v }

func row(ts string, o, h, l, c *float64) models.StoredRow {
	return models.StoredRow{Instrument: "EUR/USD", Timeframe: "DAILY", Time: ts, Open: o, High: h, Low: l, Close: c}
}

func TestCheckRows(t *testing.T) {
	tests := []struct {
		name  string
		row   models.StoredRow
		kinds []IssueKind
	}{
		{name: "consistent", row: row("1", p(1.1), p(1.2), p(1.0), p(1.15))},
		{name: "flat bar", row: row("1", p(1.1), p(1.1), p(1.1), p(1.1))},
		{name: "null open", row: row("1", nil, p(1.2), p(1.0), p(1.1)), kinds: []IssueKind{IssueNullPrice}},
		{name: "null close", row: row("1", p(1.1), p(1.2), p(1.0), nil), kinds: []IssueKind{IssueNullPrice}},
		{name: "low above high", row: row("1", p(1.1), p(1.0), p(1.2), p(1.1)),
			kinds: []IssueKind{IssueLowAboveHigh, IssueCloseAboveHigh, IssueCloseBelowLow, IssueOpenAboveHigh, IssueOpenBelowLow}},
		{name: "close above high", row: row("1", p(1.1), p(1.2), p(1.0), p(1.25)), kinds: []IssueKind{IssueCloseAboveHigh}},
		{name: "close below low", row: row("1", p(1.1), p(1.2), p(1.0), p(0.95)), kinds: []IssueKind{IssueCloseBelowLow}},
		{name: "open above high", row: row("1", p(1.3), p(1.2), p(1.0), p(1.1)), kinds: []IssueKind{IssueOpenAboveHigh}},
		{name: "open below low", row: row("1", p(0.9), p(1.2), p(1.0), p(1.1)), kinds: []IssueKind{IssueOpenBelowLow}},
		{name: "zero price", row: row("1", p(0), p(1.2), p(0), p(1.1)), kinds: []IssueKind{IssueNonPositivePrice}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := CheckRows([]models.StoredRow{tt.row}, 5)
			assert.Equal(t, 1, report.Rows)
			assert.Equal(t, len(tt.kinds) == 0, report.OK)
			assert.Equal(t, tt.kinds, report.Kinds())
			if len(tt.kinds) == 0 {
				assert.Empty(t, report.Samples)
			} else {
				require.Len(t, report.Samples, 1)
				assert.Equal(t, tt.kinds, report.Samples[0].Kinds)
			}
		})
	}
}

func TestCheckRows_NullVolumeIsNotAnIssue(t *testing.T) {
	r := row("1", p(1.1), p(1.2), p(1.0), p(1.15))
	r.Volume = nil
	assert.True(t, CheckRows([]models.StoredRow{r}, 5).OK)
}

func TestCheckRows_SamplesAreBounded(t *testing.T) {
	var rows []models.StoredRow
	for i := 0; i < 10; i++ {
		rows = append(rows, row("t", nil, nil, nil, nil))
	}
	report := CheckRows(rows, 3)
	assert.Equal(t, 10, report.Issues[IssueNullPrice])
	assert.Equal(t, 10, report.TotalIssues())
	assert.Len(t, report.Samples, 3)

	report = CheckRows(rows, 0)
	assert.Empty(t, report.Samples)
	assert.False(t, report.OK)
}

func TestCheckRows_Empty(t *testing.T) {
	report := CheckRows(nil, 5)
	assert.True(t, report.OK)
	assert.Zero(t, report.Rows)
	assert.Len(t, report.Issues, len(AllIssueKinds))
}

func TestOHLCVValidator_Validate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.EnsureSchema(ctx))

	item := models.WorkItem{
		Instrument: models.MustParseInstrument("EUR/USD"),
		Timeframe:  models.Timeframe{Label: "DAILY", BarSize: "1 day", Duration: "1 Y"},
	}
	_, err := store.Persist(ctx, item, []models.Bar{
		{Time: "20240102", Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15},
		{Time: "20240103", Open: 1.1, High: 1.0, Low: 1.2, Close: 1.1},
	})
	require.NoError(t, err)

	v := NewOHLCVValidator(store, -1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	report, err := v.Validate(ctx, "EUR/USD", "DAILY")
	require.NoError(t, err)
	assert.Equal(t, "EUR/USD", report.Instrument)
	assert.Equal(t, "DAILY", report.Timeframe)
	assert.Equal(t, 2, report.Rows)
	assert.False(t, report.OK)
	assert.Equal(t, 1, report.Issues[IssueLowAboveHigh])
	require.Len(t, report.Samples, 1)
	assert.Equal(t, "20240103", report.Samples[0].Time)

	// Read-only: the offending row is still there.
	n, err := store.Count(ctx, "EUR/USD", "DAILY")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOHLCVValidator_ReadError(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Close())

	v := NewOHLCVValidator(store, 5, nil)
	_, err := v.Validate(context.Background(), "EUR/USD", "DAILY")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrClosed))
}

func TestReport_NilSafe(t *testing.T) {
	var r *Report
	assert.Zero(t, r.TotalIssues())
	assert.Nil(t, r.Kinds())
}
