package channel

import (
	"math"

	"github.com/johnayoung/go-fx-collector/internal/models"
)

// Frame types exchanged with the gateway.
const (
	FrameHello             = "hello"
	FrameHistoricalRequest = "historical_request"
	FrameConnectionStatus  = "connection_status"
	FrameHistoricalBar     = "historical_bar"
	FrameHistoricalEnd     = "historical_end"
	FrameError             = "error"
)

// SessionRequestID marks error frames that concern the session rather than a request.
const SessionRequestID int64 = -1

// Frame is the JSON envelope of every message on the socket. Only the fields
// relevant to Type are set.
type Frame struct {
	Type      string             `json:"type"`
	ReqID     int64              `json:"req_id,omitempty"`
	ClientID  int                `json:"client_id,omitempty"`
	Connected bool               `json:"connected,omitempty"`
	Message   string             `json:"message,omitempty"`
	Code      int                `json:"code,omitempty"`
	Start     string             `json:"start,omitempty"`
	End       string             `json:"end,omitempty"`
	Bar       *WireBar           `json:"bar,omitempty"`
	Request   *HistoricalRequest `json:"request,omitempty"`
}

// WireBar is a bar as encoded by the gateway. Null prices and volume are allowed.
type WireBar struct {
	Date   string   `json:"date"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  *float64 `json:"close"`
	Volume *float64 `json:"volume"`
}

// HistoricalRequest describes one historical bar query for a contract.
type HistoricalRequest struct {
	Symbol      string `json:"symbol"`
	Currency    string `json:"currency"`
	SecType     string `json:"sec_type"`
	Exchange    string `json:"exchange"`
	EndDateTime string `json:"end_date_time"`
	Duration    string `json:"duration"`
	BarSize     string `json:"bar_size"`
	WhatToShow  string `json:"what_to_show"`
	UseRTH      bool   `json:"use_rth"`
	FormatDate  int    `json:"format_date"`
}

// NewHistoricalRequest builds the query for a work item. An empty endDateTime
// means "now" on the gateway side. Dates are requested in string form.
func NewHistoricalRequest(item models.WorkItem, endDateTime string, useRTH bool) HistoricalRequest {
	return HistoricalRequest{
		Symbol:      item.Instrument.Base,
		Currency:    item.Instrument.Quote,
		SecType:     item.Instrument.SecType,
		Exchange:    item.Instrument.Exchange,
		EndDateTime: endDateTime,
		Duration:    item.Timeframe.Duration,
		BarSize:     item.Timeframe.BarSize,
		WhatToShow:  item.Instrument.WhatToShow,
		UseRTH:      useRTH,
		FormatDate:  1,
	}
}

// ToBar converts a wire bar into the model, mapping null prices to NaN.
func (w WireBar) ToBar() models.Bar {
	b := models.Bar{
		Time:  w.Date,
		Open:  floatOrNaN(w.Open),
		High:  floatOrNaN(w.High),
		Low:   floatOrNaN(w.Low),
		Close: floatOrNaN(w.Close),
	}
	if w.Volume != nil && !math.IsNaN(*w.Volume) {
		v := int64(math.Round(*w.Volume))
		b.Volume = &v
	}
	return b
}

// NewWireBar encodes a model bar, mapping NaN prices to null.
func NewWireBar(b models.Bar) *WireBar {
	w := &WireBar{
		Date:  b.Time,
		Open:  nanToNil(b.Open),
		High:  nanToNil(b.High),
		Low:   nanToNil(b.Low),
		Close: nanToNil(b.Close),
	}
	if b.Volume != nil {
		v := float64(*b.Volume)
		w.Volume = &v
	}
	return w
}

func floatOrNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func nanToNil(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
