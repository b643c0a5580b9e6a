package models

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPricePrecision is the number of decimal places prices are rounded to
// before they are stored.
const DefaultPricePrecision int32 = 8

// Bar is one OHLCV bar exactly as the gateway delivered it. Time is the vendor
// formatted timestamp ("20240105" or "20240105 13:00:00"). A missing price is
// NaN and a missing volume is nil.
type Bar struct {
	Time   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume *int64
}

// StoredRow is one row of the bar table. Prices and volume are nullable.
type StoredRow struct {
	Instrument string     `json:"instrument"`
	Timeframe  string     `json:"timeframe"`
	Time       string     `json:"bar_time"`
	Open       *float64   `json:"open"`
	High       *float64   `json:"high"`
	Low        *float64   `json:"low"`
	Close      *float64   `json:"close"`
	Volume     *int64     `json:"volume"`
	IngestedAt *time.Time `json:"ingested_at,omitempty"`
}

// NormalizeBars converts the bars of one work item into storable rows.
// Timestamps have their whitespace collapsed, bars without a timestamp are
// skipped, non-finite prices become NULL, prices are rounded to precision
// decimal places and a negative volume (the gateway's "unavailable" marker)
// becomes NULL. Arrival order is preserved.
func NormalizeBars(item WorkItem, bars []Bar, precision int32) (rows []StoredRow, skipped int) {
	rows = make([]StoredRow, 0, len(bars))
	for _, b := range bars {
		ts := NormalizeBarTime(b.Time)
		if ts == "" {
			skipped++
			continue
		}

		row := StoredRow{
			Instrument: item.Instrument.String(),
			Timeframe:  item.Timeframe.Label,
			Time:       ts,
			Open:       normalizePrice(b.Open, precision),
			High:       normalizePrice(b.High, precision),
			Low:        normalizePrice(b.Low, precision),
			Close:      normalizePrice(b.Close, precision),
		}
		if b.Volume != nil && *b.Volume >= 0 {
			v := *b.Volume
			row.Volume = &v
		}
		rows = append(rows, row)
	}
	return rows, skipped
}

// NormalizeBarTime trims the timestamp and collapses runs of whitespace, so
// "20240105  13:00:00" and "20240105 13:00:00" key the same row.
func NormalizeBarTime(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizePrice(v float64, precision int32) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	rounded, _ := decimal.NewFromFloat(v).Round(precision).Float64()
	return &rounded
}
