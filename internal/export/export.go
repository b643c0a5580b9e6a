// Package export writes stored bars of one key to a file.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnayoung/go-fx-collector/internal/models"
	"github.com/johnayoung/go-fx-collector/internal/storage"
)

// Saver writes rows to path in one file format.
type Saver interface {
	Save(rows []models.StoredRow, path string) error
	Extension() string
}

// Formats lists the supported format names.
var Formats = []string{"csv", "json", "parquet"}

// NewSaver returns the saver for format, or nil if it is not supported.
func NewSaver(format string) Saver {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}
	case "json":
		return JSONSaver{}
	case "parquet":
		return ParquetSaver{}
	default:
		return nil
	}
}

// Request selects what to export and where.
type Request struct {
	Instrument string
	Timeframe  string
	Format     string
	// Path of the output file. When empty a name is derived from the key,
	// e.g. EURUSD_DAILY.csv in the working directory.
	Path string
}

// DefaultPath derives the output file name for a key.
func DefaultPath(instrument, timeframe, ext string) string {
	name := strings.NewReplacer("/", "", " ", "_").Replace(instrument + "_" + timeframe)
	return name + "." + ext
}

// Export reads the key's rows from reader and writes them out. It returns the
// path written and the number of rows.
func Export(ctx context.Context, reader storage.BarReader, req Request) (string, int, error) {
	saver := NewSaver(req.Format)
	if saver == nil {
		return "", 0, fmt.Errorf("unsupported export format %q (use: %s)", req.Format, strings.Join(Formats, ", "))
	}

	rows, err := reader.Rows(ctx, req.Instrument, req.Timeframe)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s %s: %w", req.Instrument, req.Timeframe, err)
	}

	path := req.Path
	if path == "" {
		path = DefaultPath(req.Instrument, req.Timeframe, saver.Extension())
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", 0, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := saver.Save(rows, path); err != nil {
		return "", 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, len(rows), nil
}
