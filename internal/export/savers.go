package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/johnayoung/go-fx-collector/internal/models"
)

var csvHeader = []string{"instrument", "timeframe", "bar_time", "open", "high", "low", "close", "volume", "ingested_at"}

// CSVSaver writes one row per bar with a header. NULLs are empty fields.
type CSVSaver struct{}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(rows []models.StoredRow, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{
			r.Instrument,
			r.Timeframe,
			r.Time,
			floatStr(r.Open),
			floatStr(r.High),
			floatStr(r.Low),
			floatStr(r.Close),
			intStr(r.Volume),
			timeStr(r.IngestedAt),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func floatStr(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func intStr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func timeStr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// JSONSaver writes an indented JSON array.
type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(rows []models.StoredRow, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if rows == nil {
		rows = []models.StoredRow{}
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return err
	}
	return f.Close()
}

// parquetRow is the parquet schema of an exported bar.
type parquetRow struct {
	Instrument   string   `parquet:"instrument"`
	Timeframe    string   `parquet:"timeframe"`
	BarTime      string   `parquet:"bar_time"`
	Open         *float64 `parquet:"open,optional"`
	High         *float64 `parquet:"high,optional"`
	Low          *float64 `parquet:"low,optional"`
	Close        *float64 `parquet:"close,optional"`
	Volume       *int64   `parquet:"volume,optional"`
	IngestedAtMs *int64   `parquet:"ingested_at_ms,optional"`
}

func toParquetRows(rows []models.StoredRow) []parquetRow {
	out := make([]parquetRow, len(rows))
	for i, r := range rows {
		out[i] = parquetRow{
			Instrument: r.Instrument,
			Timeframe:  r.Timeframe,
			BarTime:    r.Time,
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
		}
		if r.IngestedAt != nil {
			ms := r.IngestedAt.UnixMilli()
			out[i].IngestedAtMs = &ms
		}
	}
	return out
}

// ParquetSaver writes a parquet file with nullable price and volume columns.
type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(rows []models.StoredRow, path string) error {
	return parquet.WriteFile(path, toParquetRows(rows))
}
