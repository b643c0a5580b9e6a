// Package collector orchestrates a collection run: it submits one historical
// request per work item, waits for every request to finish or time out, and
// persists and validates whatever bars arrived.
package collector

import (
	"context"
	"time"

	"github.com/johnayoung/go-fx-collector/internal/channel"
	"github.com/johnayoung/go-fx-collector/internal/correlator"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// Session is the gateway connection the collector submits requests through.
// *channel.Channel implements it.
type Session interface {
	Open(ctx context.Context) error
	Close() error
	NextRequestID() int64
	// SubmitRequest sends a request. Failures are reported to the handler as
	// a disconnect, never returned.
	SubmitRequest(id int64, req channel.HistoricalRequest)
}

// Tracker correlates requests with their results. *correlator.Correlator
// implements it.
type Tracker interface {
	Register(id int64, item models.WorkItem) (correlator.Handle, error)
	AwaitCompletion(ctx context.Context, id int64, timeout time.Duration) (correlator.Handle, error)
	Release(id int64)
}

var (
	_ Session = (*channel.Channel)(nil)
	_ Tracker = (*correlator.Correlator)(nil)
)
