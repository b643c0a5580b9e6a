package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-fx-collector/internal/models"
	"github.com/johnayoung/go-fx-collector/internal/storage"
)

func vol(v int64) *int64 { return &v }

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))

	item := models.WorkItem{
		Instrument: models.MustParseInstrument("EUR/USD"),
		Timeframe:  models.Timeframe{Label: "DAILY", BarSize: "1 day", Duration: "1 Y"},
	}
	_, err := store.Persist(ctx, item, []models.Bar{
		{Time: "20240102", Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Volume: vol(100)},
		{Time: "20240103", Open: math.NaN(), High: 1.3, Low: 1.1, Close: 1.2, Volume: vol(-1)},
	})
	require.NoError(t, err)
	return store
}

func TestNewSaver(t *testing.T) {
	for _, format := range Formats {
		s := NewSaver(format)
		require.NotNil(t, s, format)
		assert.Equal(t, format, s.Extension())
	}
	assert.NotNil(t, NewSaver(" CSV "))
	assert.Nil(t, NewSaver("xlsx"))
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, "EURUSD_DAILY.csv", DefaultPath("EUR/USD", "DAILY", "csv"))
	assert.Equal(t, "USDJPY_1_hour.parquet", DefaultPath("USD/JPY", "1 hour", "parquet"))
}

func TestExport_CSV(t *testing.T) {
	store := seededStore(t)
	path := filepath.Join(t.TempDir(), "out", "eur.csv")

	written, n, err := Export(context.Background(), store, Request{
		Instrument: "EUR/USD", Timeframe: "DAILY", Format: "csv", Path: path,
	})
	require.NoError(t, err)
	assert.Equal(t, path, written)
	assert.Equal(t, 2, n)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"EUR/USD", "DAILY", "20240102", "1.1", "1.2", "1", "1.15", "100"}, records[1][:8])
	assert.NotEmpty(t, records[1][8])
	assert.Equal(t, "", records[2][3], "NaN open exports as an empty field")
	assert.Equal(t, "", records[2][7], "negative volume exports as an empty field")
}

func TestExport_JSON(t *testing.T) {
	store := seededStore(t)
	path := filepath.Join(t.TempDir(), "eur.json")

	_, n, err := Export(context.Background(), store, Request{
		Instrument: "EUR/USD", Timeframe: "DAILY", Format: "json", Path: path,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []models.StoredRow
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "20240102", rows[0].Time)
	assert.Nil(t, rows[1].Open)
	assert.Nil(t, rows[1].Volume)
}

func TestExport_JSONEmptyKeyWritesEmptyArray(t *testing.T) {
	store := seededStore(t)
	path := filepath.Join(t.TempDir(), "none.json")

	_, n, err := Export(context.Background(), store, Request{
		Instrument: "GBP/USD", Timeframe: "DAILY", Format: "json", Path: path,
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestExport_Parquet(t *testing.T) {
	store := seededStore(t)
	path := filepath.Join(t.TempDir(), "eur.parquet")

	_, n, err := Export(context.Background(), store, Request{
		Instrument: "EUR/USD", Timeframe: "DAILY", Format: "parquet", Path: path,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := parquet.ReadFile[parquetRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "EUR/USD", rows[0].Instrument)
	require.NotNil(t, rows[0].Close)
	assert.InDelta(t, 1.15, *rows[0].Close, 1e-12)
	require.NotNil(t, rows[0].IngestedAtMs)
	assert.Nil(t, rows[1].Open)
	assert.Nil(t, rows[1].Volume)
}

func TestExport_UnsupportedFormat(t *testing.T) {
	_, _, err := Export(context.Background(), seededStore(t), Request{
		Instrument: "EUR/USD", Timeframe: "DAILY", Format: "xlsx",
	})
	assert.ErrorContains(t, err, "unsupported export format")
}

type failingReader struct{ storage.BarReader }

func (failingReader) Rows(context.Context, string, string) ([]models.StoredRow, error) {
	return nil, errors.New("boom")
}

func TestExport_ReadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	_, _, err := Export(context.Background(), failingReader{}, Request{
		Instrument: "EUR/USD", Timeframe: "DAILY", Format: "csv", Path: path,
	})
	assert.ErrorContains(t, err, "boom")
	assert.NoFileExists(t, path)
}
