package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-fx-collector/internal/config"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// ErrClosed is returned by a MemoryStore after Close.
var ErrClosed = errors.New("storage is closed")

// MemoryStore is a thread-safe in-memory Store with the same upsert
// semantics as SQLStore. It backs the "memory" driver and tests that need
// to inject failures.
type MemoryStore struct {
	mu sync.RWMutex

	// rows: map[instrument/timeframe][bar_time] -> row
	rows map[string]map[string]models.StoredRow

	precision   int32
	initialized bool
	closed      bool

	persistErr map[string]error
	healthErr  error
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:       make(map[string]map[string]models.StoredRow),
		precision:  models.DefaultPricePrecision,
		persistErr: make(map[string]error),
		now:        time.Now,
	}
}

// New opens the store selected by cfg.Driver.
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	if cfg.Driver == "memory" {
		m := NewMemoryStore()
		if cfg.PricePrecision > 0 {
			m.precision = cfg.PricePrecision
		}
		return m, nil
	}
	return Open(cfg, logger)
}

// FailPersist makes Persist for item return err until cleared with a nil err.
func (m *MemoryStore) FailPersist(item models.WorkItem, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.persistErr, memoryKey(item.Key()))
		return
	}
	m.persistErr[memoryKey(item.Key())] = err
}

// FailHealthCheck makes HealthCheck return err. A nil err restores health.
func (m *MemoryStore) FailHealthCheck(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

func memoryKey(instrument, timeframe string) string {
	return instrument + "|" + timeframe
}

// EnsureSchema implements Manager.
func (m *MemoryStore) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("ensure_schema", "memory", "", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("ensure_schema", "memory", "", ErrClosed)
	}
	m.initialized = true
	return nil
}

// Persist implements BarWriter.
func (m *MemoryStore) Persist(ctx context.Context, item models.WorkItem, bars []models.Bar) (PersistResult, error) {
	rows, skipped := models.NormalizeBars(item, bars, m.precision)
	rows, dups := dedupeRows(rows)
	result := PersistResult{Skipped: skipped, Duplicates: dups}

	if err := ctx.Err(); err != nil {
		return result, NewStorageError("persist", "memory", "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return result, NewStorageError("persist", "memory", "", ErrClosed)
	}
	if !m.initialized {
		return result, NewStorageError("persist", "memory", "", fmt.Errorf("schema not initialized"))
	}
	if err := m.persistErr[memoryKey(item.Key())]; err != nil {
		return result, NewStorageError("persist", "memory", "", err)
	}

	now := m.now().UTC()
	for _, r := range rows {
		key := memoryKey(r.Instrument, r.Timeframe)
		if m.rows[key] == nil {
			m.rows[key] = make(map[string]models.StoredRow)
		}
		r.IngestedAt = &now
		m.rows[key][r.Time] = r
	}
	result.Written = len(rows)
	return result, nil
}

// Rows implements BarReader.
func (m *MemoryStore) Rows(ctx context.Context, instrument, timeframe string) ([]models.StoredRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("rows", "memory", "", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStorageError("rows", "memory", "", ErrClosed)
	}

	byTime := m.rows[memoryKey(instrument, timeframe)]
	out := make([]models.StoredRow, 0, len(byTime))
	for _, r := range byTime {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

// Count implements BarReader.
func (m *MemoryStore) Count(ctx context.Context, instrument, timeframe string) (int, error) {
	rows, err := m.Rows(ctx, instrument, timeframe)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Summaries implements BarReader.
func (m *MemoryStore) Summaries(ctx context.Context) ([]KeySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("summaries", "memory", "", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStorageError("summaries", "memory", "", ErrClosed)
	}

	var out []KeySummary
	for _, byTime := range m.rows {
		if len(byTime) == 0 {
			continue
		}
		var k KeySummary
		for _, r := range byTime {
			if k.Rows == 0 {
				k = KeySummary{Instrument: r.Instrument, Timeframe: r.Timeframe, First: r.Time, Last: r.Time}
			}
			k.Rows++
			if r.Time < k.First {
				k.First = r.Time
			}
			if r.Time > k.Last {
				k.Last = r.Time
			}
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out, nil
}

// HealthCheck implements Manager.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("health_check", "memory", "", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "memory", "", ErrClosed)
	}
	if m.healthErr != nil {
		return NewStorageError("health_check", "memory", "", m.healthErr)
	}
	return nil
}

// Close implements Manager. Closing twice is not an error.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
