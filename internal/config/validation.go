package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/johnayoung/go-fx-collector/internal/models"
)

var sqlIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// newValidator returns a validator that reports fields by their JSON names and
// knows the collector's custom tags.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		d, err := time.ParseDuration(s)
		return err == nil && d >= 0
	})
	_ = v.RegisterValidation("pair", func(fl validator.FieldLevel) bool {
		_, err := models.ParseInstrument(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("barsize", func(fl validator.FieldLevel) bool {
		_, err := models.ParseBarSize(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("lookback", func(fl validator.FieldLevel) bool {
		_, err := models.ParseLookback(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdentPattern.MatchString(fl.Field().String())
	})
	return v
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	return Validate(config)
}

// Validate runs struct tag validation followed by cross-field checks and
// reports every problem found as one bulleted error.
func Validate(config *AppConfig) error {
	var problems []string

	if err := newValidator().Struct(config); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	seenPairs := make(map[string]bool)
	for _, ic := range config.Instruments {
		inst, err := models.ParseInstrument(ic.Pair)
		if err != nil {
			continue
		}
		if seenPairs[inst.String()] {
			problems = append(problems, fmt.Sprintf("instruments: duplicate pair %s", inst))
		}
		seenPairs[inst.String()] = true
	}

	seenLabels := make(map[string]bool)
	for _, tc := range config.Timeframes {
		if tc.Label == "" {
			continue
		}
		if seenLabels[tc.Label] {
			problems = append(problems, fmt.Sprintf("timeframes: duplicate label %s", tc.Label))
		}
		seenLabels[tc.Label] = true
	}

	if config.Collector.MaxTimeoutDuration() < config.Collector.BaseTimeoutDuration() {
		problems = append(problems, "collector.max_timeout must not be shorter than collector.base_timeout")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	// Namespace is "AppConfig.connection.port"; drop the root type name.
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "duration":
		return fmt.Sprintf("%s is not a valid duration: %q", field, fe.Value())
	case "pair":
		return fmt.Sprintf("%s is not a valid currency pair: %q", field, fe.Value())
	case "barsize":
		return fmt.Sprintf("%s is not a valid bar size: %q", field, fe.Value())
	case "lookback":
		return fmt.Sprintf("%s is not a valid duration string: %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// WorkItems converts the configured instruments and timeframes into the
// cross product of work items. The configuration must have been validated.
func (c *AppConfig) WorkItems() ([]models.WorkItem, error) {
	instruments := make([]models.Instrument, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		inst, err := models.ParseInstrument(ic.Pair)
		if err != nil {
			return nil, err
		}
		if ic.SecType != "" {
			inst.SecType = ic.SecType
		}
		if ic.Exchange != "" {
			inst.Exchange = ic.Exchange
		}
		if ic.WhatToShow != "" {
			inst.WhatToShow = ic.WhatToShow
		}
		instruments = append(instruments, inst)
	}

	timeframes := make([]models.Timeframe, 0, len(c.Timeframes))
	for _, tc := range c.Timeframes {
		tf := models.Timeframe{
			Label:    tc.Label,
			BarSize:  tc.BarSize,
			Duration: tc.Duration,
			Timeout:  parseDurationOr(tc.Timeout, 0),
		}
		if err := tf.Validate(); err != nil {
			return nil, fmt.Errorf("timeframe %s: %w", tc.Label, err)
		}
		timeframes = append(timeframes, tf)
	}

	return models.EnumerateWorkItems(instruments, timeframes), nil
}
