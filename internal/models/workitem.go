package models

import "fmt"

// WorkItem is one (instrument, timeframe) unit of collection. It is a comparable
// value and is used as a map key by the collector.
type WorkItem struct {
	Instrument Instrument
	Timeframe  Timeframe
}

// Key returns the storage key of the item.
func (w WorkItem) Key() (instrument, timeframe string) {
	return w.Instrument.String(), w.Timeframe.Label
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s %s", w.Instrument, w.Timeframe.Label)
}

// EnumerateWorkItems returns the cross product instruments × timeframes,
// ordered by instrument first and timeframe second.
func EnumerateWorkItems(instruments []Instrument, timeframes []Timeframe) []WorkItem {
	items := make([]WorkItem, 0, len(instruments)*len(timeframes))
	for _, inst := range instruments {
		for _, tf := range timeframes {
			items = append(items, WorkItem{Instrument: inst, Timeframe: tf})
		}
	}
	return items
}
