package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Calendar approximations used to size lookback windows. They only feed timeout
// budgets, so an overestimate is harmless.
const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// Timeframe is a named bar resolution plus the lookback it is requested over.
// BarSize and Duration are kept in the gateway's own notation ("1 day", "1 Y").
// A zero Timeout means the collector derives a budget from the expected bar count.
type Timeframe struct {
	Label    string        `json:"label"`
	BarSize  string        `json:"bar_size"`
	Duration string        `json:"duration"`
	Timeout  time.Duration `json:"timeout"`
}

// BarInterval parses BarSize into the length of one bar.
func (tf Timeframe) BarInterval() (time.Duration, error) {
	return ParseBarSize(tf.BarSize)
}

// Lookback parses Duration into the length of the requested window.
func (tf Timeframe) Lookback() (time.Duration, error) {
	return ParseLookback(tf.Duration)
}

// ExpectedBars estimates how many bars the gateway will send for the timeframe.
// It returns at least 1 for any parseable timeframe.
func (tf Timeframe) ExpectedBars() (int, error) {
	interval, err := tf.BarInterval()
	if err != nil {
		return 0, err
	}
	lookback, err := tf.Lookback()
	if err != nil {
		return 0, err
	}
	n := int(lookback / interval)
	if n < 1 {
		n = 1
	}
	return n, nil
}

// Validate checks that the label is set and both vendor strings parse.
func (tf Timeframe) Validate() error {
	if strings.TrimSpace(tf.Label) == "" {
		return &ValidationError{Field: "label", Message: "timeframe label cannot be empty"}
	}
	if _, err := tf.BarInterval(); err != nil {
		return err
	}
	if _, err := tf.Lookback(); err != nil {
		return err
	}
	if tf.Timeout < 0 {
		return &ValidationError{Field: "timeout", Message: "timeout cannot be negative"}
	}
	return nil
}

// ParseBarSize parses gateway bar sizes such as "1 min", "5 mins", "1 hour",
// "4 hours", "1 day", "1 week" or "1 month".
func ParseBarSize(s string) (time.Duration, error) {
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, &ValidationError{Field: "bar_size", Message: err.Error()}
	}

	var base time.Duration
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "sec":
		base = time.Second
	case "min":
		base = time.Minute
	case "hour":
		base = time.Hour
	case "day":
		base = day
	case "week":
		base = week
	case "month":
		base = month
	default:
		return 0, &ValidationError{Field: "bar_size", Message: fmt.Sprintf("unknown bar size unit in %q", s)}
	}
	return scale(n, base, "bar_size", s)
}

// ParseLookback parses gateway durations of the form "<n> <S|D|W|M|Y>".
func ParseLookback(s string) (time.Duration, error) {
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, &ValidationError{Field: "duration", Message: err.Error()}
	}

	var base time.Duration
	switch strings.ToUpper(unit) {
	case "S":
		base = time.Second
	case "D":
		base = day
	case "W":
		base = week
	case "M":
		base = month
	case "Y":
		base = year
	default:
		return 0, &ValidationError{Field: "duration", Message: fmt.Sprintf("unknown duration unit in %q", s)}
	}
	return scale(n, base, "duration", s)
}

// scale multiplies base by n, rejecting counts whose product does not fit in a
// time.Duration.
func scale(n int, base time.Duration, field, s string) (time.Duration, error) {
	if int64(n) > math.MaxInt64/int64(base) {
		return 0, &ValidationError{Field: field, Message: fmt.Sprintf("count too large in %q", s)}
	}
	return time.Duration(n) * base, nil
}

func splitQuantity(s string) (int, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("expected \"<count> <unit>\", got %q", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, "", fmt.Errorf("invalid count in %q", s)
	}
	return n, fields[1], nil
}
