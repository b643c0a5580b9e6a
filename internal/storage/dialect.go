package storage

import (
	"fmt"
	"strconv"
	"strings"

	// Database drivers selectable through storage.driver.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dialect captures the differences between the supported SQL engines.
type dialect struct {
	name          string
	driver        string
	textType      string
	priceType     string
	volumeType    string
	timestampType string
	numbered      bool
}

var dialects = map[string]dialect{
	"sqlite": {
		name:          "sqlite",
		driver:        "sqlite",
		textType:      "TEXT",
		priceType:     "REAL",
		volumeType:    "INTEGER",
		timestampType: "TIMESTAMP",
	},
	"duckdb": {
		name:          "duckdb",
		driver:        "duckdb",
		textType:      "VARCHAR",
		priceType:     "DOUBLE",
		volumeType:    "BIGINT",
		timestampType: "TIMESTAMP",
	},
	"postgres": {
		name:          "postgres",
		driver:        "postgres",
		textType:      "TEXT",
		priceType:     "DOUBLE PRECISION",
		volumeType:    "BIGINT",
		timestampType: "TIMESTAMPTZ",
		numbered:      true,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported storage driver %q", name)
	}
	return d, nil
}

// placeholders returns n bind parameters starting at position start (1-based).
func (d dialect) placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		if d.numbered {
			parts[i] = "$" + strconv.Itoa(start+i)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

func (d dialect) createBarTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	instrument %[2]s NOT NULL,
	timeframe %[2]s NOT NULL,
	bar_time %[2]s NOT NULL,
	open %[3]s,
	high %[3]s,
	low %[3]s,
	close %[3]s,
	volume %[4]s,
	ingested_at %[5]s DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (instrument, timeframe, bar_time)
)`, table, d.textType, d.priceType, d.volumeType, d.timestampType)
}

// upsertBar inserts one row or, when the key exists, overwrites its values.
func (d dialect) upsertBar(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (instrument, timeframe, bar_time, open, high, low, close, volume)
VALUES (%s)
ON CONFLICT (instrument, timeframe, bar_time) DO UPDATE SET
	open = excluded.open,
	high = excluded.high,
	low = excluded.low,
	close = excluded.close,
	volume = excluded.volume,
	ingested_at = CURRENT_TIMESTAMP`, table, d.placeholders(1, 8))
}

func (d dialect) selectRows(table string) string {
	return fmt.Sprintf(`SELECT instrument, timeframe, bar_time, open, high, low, close, volume, ingested_at
FROM %s WHERE instrument = %s AND timeframe = %s ORDER BY bar_time`,
		table, d.placeholders(1, 1), d.placeholders(2, 1))
}

func (d dialect) countRows(table string) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE instrument = %s AND timeframe = %s`,
		table, d.placeholders(1, 1), d.placeholders(2, 1))
}

func (d dialect) summarize(table string) string {
	return fmt.Sprintf(`SELECT instrument, timeframe, COUNT(*), MIN(bar_time), MAX(bar_time)
FROM %s GROUP BY instrument, timeframe ORDER BY instrument, timeframe`, table)
}
