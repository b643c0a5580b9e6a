package collector

import (
	"errors"
	"log/slog"
	"time"

	"github.com/johnayoung/go-fx-collector/internal/channel"
	"github.com/johnayoung/go-fx-collector/internal/config"
	"github.com/johnayoung/go-fx-collector/internal/correlator"
	"github.com/johnayoung/go-fx-collector/internal/metrics"
	"github.com/johnayoung/go-fx-collector/internal/models"
	"github.com/johnayoung/go-fx-collector/internal/storage"
	"github.com/johnayoung/go-fx-collector/internal/validator"
)

// Dependencies are the parts a Runner is assembled from. Validator and
// Metrics are optional.
type Dependencies struct {
	Session   Session
	Tracker   Tracker
	Store     storage.Store
	Validator validator.DataValidator
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Collector config.CollectorConfig
	Items     []models.WorkItem
}

// NewRunner assembles a runner from explicit dependencies.
func NewRunner(deps Dependencies) (*Runner, error) {
	if deps.Session == nil {
		return nil, errors.New("collector: session is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("collector: tracker is required")
	}
	if deps.Store == nil {
		return nil, errors.New("collector: store is required")
	}
	if len(deps.Items) == 0 {
		return nil, errors.New("collector: no work items")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Runner{
		session:   deps.Session,
		tracker:   deps.Tracker,
		collector: NewCollector(deps.Session, deps.Tracker, deps.Collector, deps.Metrics, log),
		store:     deps.Store,
		validator: deps.Validator,
		items:     deps.Items,
		metrics:   deps.Metrics,
		logger:    log.With("component", "runner"),
		now:       time.Now,
	}, nil
}

// NewFromConfig wires a correlator and a gateway channel for cfg around store.
// rec may be nil.
func NewFromConfig(cfg *config.AppConfig, store storage.Store, rec *metrics.Recorder, log *slog.Logger) (*Runner, error) {
	if log == nil {
		log = slog.Default()
	}
	items, err := cfg.WorkItems()
	if err != nil {
		return nil, err
	}

	corr := correlator.New(log.With("component", "correlator"),
		correlator.WithObserver(NewMetricsObserver(rec)))
	ch := channel.New(channel.ConfigFrom(cfg.Connection),
		InstrumentHandler(corr, rec),
		log.With("component", "channel"))

	var v validator.DataValidator
	if cfg.Validator.Enabled {
		v = validator.NewOHLCVValidator(store, cfg.Validator.MaxSamples, log)
	}

	return NewRunner(Dependencies{
		Session:   ch,
		Tracker:   corr,
		Store:     store,
		Validator: v,
		Metrics:   rec,
		Logger:    log,
		Collector: cfg.Collector,
		Items:     items,
	})
}
