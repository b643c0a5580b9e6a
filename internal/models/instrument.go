// Package models provides the data structures shared by the FX history collector:
// instruments, timeframes, work items, bars as delivered by the gateway and rows
// as stored in the bar table.
package models

import (
	"fmt"
	"strings"
)

// Contract defaults for spot FX on the gateway.
const (
	DefaultSecType    = "CASH"
	DefaultExchange   = "IDEALPRO"
	DefaultWhatToShow = "MIDPOINT"
)

// Instrument identifies a currency pair together with the contract details the
// gateway needs to resolve it. Instrument is a comparable value.
type Instrument struct {
	Base       string `json:"base"`
	Quote      string `json:"quote"`
	SecType    string `json:"sec_type"`
	Exchange   string `json:"exchange"`
	WhatToShow string `json:"what_to_show"`
}

// ParseInstrument parses "EUR/USD", "EUR.USD", "EUR-USD" or "EURUSD" into an
// Instrument with the default spot FX contract details.
func ParseInstrument(pair string) (Instrument, error) {
	p := strings.ToUpper(strings.TrimSpace(pair))

	var base, quote string
	if i := strings.IndexAny(p, "/.-"); i >= 0 {
		base, quote = p[:i], p[i+1:]
	} else if len(p) == 6 {
		base, quote = p[:3], p[3:]
	} else {
		return Instrument{}, &ValidationError{Field: "pair", Message: fmt.Sprintf("cannot parse currency pair %q", pair)}
	}

	if !isCurrencyCode(base) || !isCurrencyCode(quote) {
		return Instrument{}, &ValidationError{Field: "pair", Message: fmt.Sprintf("invalid currency codes in pair %q", pair)}
	}
	if base == quote {
		return Instrument{}, &ValidationError{Field: "pair", Message: fmt.Sprintf("pair %q has identical legs", pair)}
	}

	return Instrument{
		Base:       base,
		Quote:      quote,
		SecType:    DefaultSecType,
		Exchange:   DefaultExchange,
		WhatToShow: DefaultWhatToShow,
	}, nil
}

// MustParseInstrument is ParseInstrument for literals known to be valid.
func MustParseInstrument(pair string) Instrument {
	inst, err := ParseInstrument(pair)
	if err != nil {
		panic(err)
	}
	return inst
}

// String returns the pair in BASE/QUOTE form, which is also the storage key.
func (i Instrument) String() string {
	return i.Base + "/" + i.Quote
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ValidationError reports a malformed model value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
