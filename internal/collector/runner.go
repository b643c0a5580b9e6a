package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-fx-collector/internal/correlator"
	apperrors "github.com/johnayoung/go-fx-collector/internal/errors"
	"github.com/johnayoung/go-fx-collector/internal/logger"
	"github.com/johnayoung/go-fx-collector/internal/metrics"
	"github.com/johnayoung/go-fx-collector/internal/models"
	"github.com/johnayoung/go-fx-collector/internal/storage"
	"github.com/johnayoung/go-fx-collector/internal/validator"
)

// Outcome is the result of one work item.
type Outcome struct {
	Item        models.WorkItem
	RequestID   int64
	State       correlator.State
	Bars        int
	RowsWritten int
	Skipped     int
	Partial     bool
	RangeStart  string
	RangeEnd    string
	Validation  *validator.Report
	Err         error
}

// Failed reports whether the item produced no stored data because of an error.
func (o Outcome) Failed() bool {
	return o.Err != nil && o.RowsWritten == 0
}

// Summary is the result of a run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
}

// RowsWritten totals rows written over all items.
func (s *Summary) RowsWritten() int {
	n := 0
	for _, o := range s.Outcomes {
		n += o.RowsWritten
	}
	return n
}

// FailedItems counts items that failed outright.
func (s *Summary) FailedItems() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}

// PartialItems counts items whose request ended early but kept bars.
func (s *Summary) PartialItems() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Partial {
			n++
		}
	}
	return n
}

// ValidationIssues totals validation issues over all items.
func (s *Summary) ValidationIssues() int {
	n := 0
	for _, o := range s.Outcomes {
		n += o.Validation.TotalIssues()
	}
	return n
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Runner drives a full run: schema, connection, collection, persistence and
// validation.
type Runner struct {
	session   Session
	tracker   Tracker
	collector *Collector
	store     storage.Store
	validator validator.DataValidator
	items     []models.WorkItem
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Run executes the pipeline. Per-item failures are reported in the summary;
// the error is non-nil only for conditions that abort the run: schema or
// store health failures, a connection that could not be established, or ctx
// cancellation. A summary is returned whenever collection started.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = logger.NewRunID()
		ctx = logger.WithRunID(ctx, runID)
	}
	log := logger.FromContext(ctx, r.logger)
	summary := &Summary{RunID: runID, StartedAt: r.now()}

	log.Info("collection run starting", "work_items", len(r.items))

	if err := r.store.EnsureSchema(ctx); err != nil {
		return nil, apperrors.NewStorageError("ensure_schema", err, true)
	}

	if err := r.session.Open(ctx); err != nil {
		var ce *apperrors.ClassifiedError
		if !errors.As(err, &ce) {
			err = apperrors.NewConnectionError("open", err)
		}
		return nil, err
	}
	defer func() {
		if err := r.session.Close(); err != nil {
			log.Warn("failed to close gateway session", "error", err)
		}
	}()

	handles, collectErr := r.collector.Collect(ctx, r.items)
	if ctx.Err() != nil {
		summary.Outcomes = r.interruptedOutcomes(handles, ctx.Err())
		summary.FinishedAt = r.now()
		return summary, ctx.Err()
	}
	if collectErr != nil {
		log.Error("collection incomplete", "error", collectErr)
	}

	for _, item := range r.items {
		h, ok := handles[item]
		if !ok {
			if containsItem(summary.Outcomes, item) {
				continue
			}
			summary.Outcomes = append(summary.Outcomes, Outcome{
				Item:  item,
				State: correlator.StateFailed,
				Err:   apperrors.Classify(collectErrOr(collectErr), "collector", "submit"),
			})
			continue
		}
		if containsItem(summary.Outcomes, item) {
			continue
		}

		outcome, fatal := r.finishItem(ctx, h)
		summary.Outcomes = append(summary.Outcomes, outcome)
		r.tracker.Release(h.ID)
		if fatal != nil {
			summary.FinishedAt = r.now()
			return summary, fatal
		}
	}

	summary.FinishedAt = r.now()
	log.Info("collection run finished",
		"rows_written", summary.RowsWritten(),
		"failed_items", summary.FailedItems(),
		"partial_items", summary.PartialItems(),
		"validation_issues", summary.ValidationIssues(),
		"duration", summary.Duration().String())
	return summary, nil
}

// finishItem persists and validates one handle. The second result is set
// when the store is no longer usable.
func (r *Runner) finishItem(ctx context.Context, h correlator.Handle) (Outcome, error) {
	instrument, timeframe := h.Item.Key()
	ctx = logger.WithTimeframe(logger.WithPair(ctx, instrument), timeframe)
	ctx = logger.WithRequestID(ctx, h.ID)
	log := logger.FromContext(ctx, r.logger)

	outcome := Outcome{
		Item:       h.Item,
		RequestID:  h.ID,
		State:      h.State,
		Bars:       len(h.Bars),
		Partial:    h.Partial(),
		RangeStart: h.RangeStart,
		RangeEnd:   h.RangeEnd,
		Err:        requestError(h, r.collector.Policy().Budget(h.Item.Timeframe)),
	}

	if h.State != correlator.StateComplete && len(h.Bars) == 0 {
		return outcome, nil
	}
	if outcome.Partial {
		log.Warn("persisting partial result", "state", string(h.State), "bars", len(h.Bars))
	}

	res, err := r.store.Persist(ctx, h.Item, h.Bars)
	outcome.Skipped = res.Skipped
	if err != nil {
		outcome.Err = apperrors.NewStorageError("persist", err, false)
		log.Error("failed to persist bars", "error", err)
		if herr := r.store.HealthCheck(ctx); herr != nil {
			return outcome, apperrors.NewStorageError("health_check", herr, true)
		}
		return outcome, nil
	}
	outcome.RowsWritten = res.Written
	r.metrics.RowsWritten(instrument, timeframe, res.Written)

	if r.validator != nil {
		report, err := r.validator.Validate(ctx, instrument, timeframe)
		if err != nil {
			log.Warn("validation could not run", "error", err)
		} else {
			outcome.Validation = report
			for kind, n := range report.Issues {
				r.metrics.ValidationIssues(string(kind), n)
			}
		}
	}
	return outcome, nil
}

// requestError classifies a handle that did not complete.
func requestError(h correlator.Handle, budget time.Duration) error {
	switch h.State {
	case correlator.StateFailed:
		return apperrors.NewServiceError(h.ID, h.ErrorCode, h.ErrorMessage)
	case correlator.StateTimedOut:
		return apperrors.NewRequestTimeoutError(h.ID, budget, len(h.Bars))
	case correlator.StateComplete:
		return nil
	default:
		return apperrors.Classify(fmt.Errorf("request %d left in state %s", h.ID, h.State), "collector", "await")
	}
}

func (r *Runner) interruptedOutcomes(handles map[models.WorkItem]correlator.Handle, cause error) []Outcome {
	var out []Outcome
	for _, item := range r.items {
		h, ok := handles[item]
		if !ok || containsItem(out, item) {
			continue
		}
		out = append(out, Outcome{
			Item:      item,
			RequestID: h.ID,
			State:     h.State,
			Bars:      len(h.Bars),
			Err:       cause,
		})
		r.tracker.Release(h.ID)
	}
	return out
}

func containsItem(outcomes []Outcome, item models.WorkItem) bool {
	for _, o := range outcomes {
		if o.Item == item {
			return true
		}
	}
	return false
}

func collectErrOr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("request was not submitted")
}
