package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-fx-collector/internal/channel"
	"github.com/johnayoung/go-fx-collector/internal/config"
	"github.com/johnayoung/go-fx-collector/internal/correlator"
	"github.com/johnayoung/go-fx-collector/internal/logger"
	"github.com/johnayoung/go-fx-collector/internal/metrics"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// Collector submits historical requests and waits for their results.
type Collector struct {
	session Session
	tracker Tracker
	limiter *rate.Limiter
	policy  TimeoutPolicy
	cfg     config.CollectorConfig
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewCollector creates a collector. rec may be nil.
func NewCollector(session Session, tracker Tracker, cfg config.CollectorConfig, rec *metrics.Recorder, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		session: session,
		tracker: tracker,
		limiter: newSubmitLimiter(cfg),
		policy:  TimeoutPolicyFrom(cfg),
		cfg:     cfg,
		metrics: rec,
		logger:  log.With("component", "collector"),
	}
}

// Policy returns the timeout policy in use.
func (c *Collector) Policy() TimeoutPolicy {
	return c.policy
}

type submitted struct {
	item models.WorkItem
	id   int64
}

// Collect submits one request per work item, then waits for all of them.
// Every request is registered and submitted before the first wait starts, so
// requests run concurrently on the gateway. Duplicate items are collected once.
//
// The returned map holds the final handle of every submitted item. The error
// is non-nil only when ctx ended or a request could not be registered; the
// map then holds whatever was known at that point.
func (c *Collector) Collect(ctx context.Context, items []models.WorkItem) (map[models.WorkItem]correlator.Handle, error) {
	results := make(map[models.WorkItem]correlator.Handle, len(items))

	pending, submitErr := c.submitAll(ctx, items)

	var mu sync.Mutex
	var g errgroup.Group
	for _, s := range pending {
		s := s
		g.Go(func() error {
			budget := c.policy.Budget(s.item.Timeframe)
			h, err := c.tracker.AwaitCompletion(ctx, s.id, budget)

			mu.Lock()
			results[s.item] = h
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("await %s (request %d): %w", s.item, s.id, err)
			}
			c.logProgress(ctx, h, budget)
			return nil
		})
	}
	waitErr := g.Wait()

	if submitErr != nil {
		return results, submitErr
	}
	return results, waitErr
}

func (c *Collector) submitAll(ctx context.Context, items []models.WorkItem) ([]submitted, error) {
	seen := make(map[models.WorkItem]bool, len(items))
	out := make([]submitted, 0, len(items))

	for _, item := range items {
		if seen[item] {
			c.logger.Warn("skipping duplicate work item", "item", item.String())
			continue
		}
		seen[item] = true

		if err := c.limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("submission of %s interrupted: %w", item, err)
		}

		id := c.session.NextRequestID()
		if _, err := c.tracker.Register(id, item); err != nil {
			return out, fmt.Errorf("register %s: %w", item, err)
		}

		req := channel.NewHistoricalRequest(item, c.cfg.EndDateTime, c.cfg.UseRTH)
		c.session.SubmitRequest(id, req)
		c.metrics.RequestSubmitted(item.Timeframe.Label)

		instrument, timeframe := item.Key()
		c.logger.Info("request submitted",
			"request_id", id,
			"pair", instrument,
			"timeframe", timeframe,
			"bar_size", req.BarSize,
			"duration", req.Duration)
		out = append(out, submitted{item: item, id: id})
	}
	return out, nil
}

func (c *Collector) logProgress(ctx context.Context, h correlator.Handle, budget time.Duration) {
	instrument, timeframe := h.Item.Key()
	log := logger.FromContext(ctx, c.logger)
	args := []any{
		"request_id", h.ID,
		"pair", instrument,
		"timeframe", timeframe,
		"state", string(h.State),
		"bars", len(h.Bars),
		"elapsed", h.Elapsed().String(),
	}

	if h.RangeStart != "" || h.RangeEnd != "" {
		args = append(args, "range_start", h.RangeStart, "range_end", h.RangeEnd)
	}

	switch h.State {
	case correlator.StateComplete:
		log.Info("request finished", args...)
	case correlator.StateFailed:
		log.Warn("request finished", append(args, "code", h.ErrorCode, "message", h.ErrorMessage)...)
	default:
		log.Warn("request finished", append(args, "budget", budget.String())...)
	}
}
