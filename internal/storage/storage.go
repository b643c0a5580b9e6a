// Package storage persists FX bars in a relational table keyed by
// (instrument, timeframe, bar_time). Writes are idempotent upserts, so a bar
// collected twice leaves exactly one row holding the most recent values.
package storage

import (
	"context"
	"fmt"

	"github.com/johnayoung/go-fx-collector/internal/models"
)

// BarWriter stores the bars of one work item.
type BarWriter interface {
	// Persist normalises bars and upserts them in one transaction. On error
	// nothing from this call is committed.
	Persist(ctx context.Context, item models.WorkItem, bars []models.Bar) (PersistResult, error)
}

// BarReader reads stored rows.
type BarReader interface {
	// Rows returns the rows of one key ordered by bar_time.
	Rows(ctx context.Context, instrument, timeframe string) ([]models.StoredRow, error)
	// Count returns the number of rows of one key.
	Count(ctx context.Context, instrument, timeframe string) (int, error)
	// Summaries returns row counts and time ranges for every stored key.
	Summaries(ctx context.Context) ([]KeySummary, error)
}

// Manager handles the store lifecycle.
type Manager interface {
	EnsureSchema(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Store combines every storage capability.
type Store interface {
	BarWriter
	BarReader
	Manager
}

// PersistResult describes one Persist call.
type PersistResult struct {
	// Written counts rows inserted or updated.
	Written int
	// Skipped counts bars dropped because they had no timestamp.
	Skipped int
	// Duplicates counts bars superseded by a later bar with the same timestamp
	// in the same batch.
	Duplicates int
}

// KeySummary is the stored extent of one (instrument, timeframe) key.
type KeySummary struct {
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
	Rows       int    `json:"rows"`
	First      string `json:"first"`
	Last       string `json:"last"`
}

// StorageError represents storage-specific errors with operation context.
type StorageError struct {
	Operation string
	Table     string
	Query     string
	Err       error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}
