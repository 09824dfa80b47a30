package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"time"
)

type RequiredValidator struct{}

func (v *RequiredValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return fmt.Errorf("%s is required", key)
	}
	if str, ok := value.(string); ok && str == "" {
		return fmt.Errorf("%s cannot be empty", key)
	}
	return nil
}

type RangeValidator struct {
	Min float64
	Max float64
}

func (v *RangeValidator) Validate(key string, value interface{}) error {
	var num float64

	switch val := value.(type) {
	case int:
		num = float64(val)
	case int64:
		num = float64(val)
	case uint64:
		num = float64(val)
	case float64:
		num = val
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("%s: cannot convert to number: %w", key, err)
		}
		num = f
	default:
		return fmt.Errorf("%s: expected a number, got %T", key, value)
	}
	if num < v.Min || num > v.Max {
		return fmt.Errorf("%s: value out of range [%.0f, %.0f]", key, v.Min, v.Max)
	}
	return nil
}

type PatternValidator struct {
	Pattern string
	regex   *regexp.Regexp
}

func NewPatternValidator(pattern string) (*PatternValidator, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	return &PatternValidator{
		Pattern: pattern,
		regex:   regex,
	}, nil
}

func (v *PatternValidator) Validate(key string, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected string for pattern validation", key)
	}

	if !v.regex.MatchString(str) {
		return fmt.Errorf("%s: value %q does not match pattern %s", key, str, v.Pattern)
	}
	return nil
}

type EnumValidator struct {
	Allowed []interface{}
}

func (v *EnumValidator) Validate(key string, value interface{}) error {
	for _, allowed := range v.Allowed {
		if reflect.DeepEqual(allowed, value) {
			return nil
		}
	}
	return fmt.Errorf("%s: value %v not in allowed set %v", key, value, v.Allowed)
}

type DurationValidator struct {
	Min time.Duration
	Max time.Duration
}

func (v *DurationValidator) Validate(key string, value interface{}) error {
	var d time.Duration
	switch val := value.(type) {
	case time.Duration:
		d = val
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration string %q: %w", key, val, err)
		}
		d = parsed
	case int:
		d = time.Duration(val)
	case int64:
		d = time.Duration(val)
	default:
		return fmt.Errorf("%s: expected duration, got %T", key, value)
	}
	if d < v.Min || (v.Max > 0 && d > v.Max) {
		return fmt.Errorf("%s: duration %v out of range [%v, %v]", key, d, v.Min, v.Max)
	}

	return nil
}
