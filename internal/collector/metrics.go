package collector

import (
	"github.com/johnayoung/go-fx-collector/internal/channel"
	"github.com/johnayoung/go-fx-collector/internal/correlator"
	"github.com/johnayoung/go-fx-collector/internal/metrics"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// metricsObserver records terminal transitions reported by the correlator.
type metricsObserver struct {
	rec *metrics.Recorder
}

// NewMetricsObserver returns a correlator observer feeding rec. A nil rec
// yields an observer that records nothing.
func NewMetricsObserver(rec *metrics.Recorder) correlator.Observer {
	return metricsObserver{rec: rec}
}

func (o metricsObserver) RequestFinished(h correlator.Handle) {
	instrument, timeframe := h.Item.Key()
	o.rec.RequestFinished(timeframe, string(h.State), h.Elapsed())
	o.rec.BarsReceived(instrument, timeframe, len(h.Bars))
}

// instrumentedHandler counts connection events before forwarding every event.
type instrumentedHandler struct {
	next channel.Handler
	rec  *metrics.Recorder
}

// InstrumentHandler wraps next so that connection state changes are counted.
func InstrumentHandler(next channel.Handler, rec *metrics.Recorder) channel.Handler {
	if rec == nil {
		return next
	}
	return instrumentedHandler{next: next, rec: rec}
}

func (h instrumentedHandler) OnConnectionState(connected bool, message string) {
	h.rec.ConnectionEvent(connected)
	h.next.OnConnectionState(connected, message)
}

func (h instrumentedHandler) OnBar(id int64, bar models.Bar) {
	h.next.OnBar(id, bar)
}

func (h instrumentedHandler) OnRequestComplete(id int64, rangeStart, rangeEnd string) {
	h.next.OnRequestComplete(id, rangeStart, rangeEnd)
}

func (h instrumentedHandler) OnError(id int64, code int, message string) {
	h.next.OnError(id, code, message)
}
