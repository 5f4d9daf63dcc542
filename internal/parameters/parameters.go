// Package parameters handles generic configuration Params, a map[string]string that the
// user can set with a configuration string like "c_puct=1.5,num_simulations=100,always_accept".
package parameters

import (
	"github.com/pkg/errors"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString create params from user's configuration string.
// Parts are separated by ",", and each part is a "key=value" or a simple "key" (for booleans).
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	if strings.TrimSpace(config) == "" {
		return params
	}
	parts := strings.Split(config, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=") // Only the first "=" splits, values may contain "=".
		params[key] = value
	}
	return params
}

// Keys returns the sorted keys of params, usually used to report unknown parameters.
func Keys(params Params) []string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// ParamTypes supported by GetParamOr and PopParamOr.
type ParamTypes interface {
	bool | int | float32 | float64 | string | time.Duration
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T ParamTypes](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr parses the value of key to the type of defaultValue, or returns defaultValue if key is not set.
//
// A key without a value is "true" for bool parameters, and the default for numeric ones.
func GetParamOr[T ParamTypes](params Params, key string, defaultValue T) (T, error) {
	value, found := params[key]
	if !found {
		return defaultValue, nil
	}
	parsed, err := parseAs(value, defaultValue)
	if err != nil {
		return defaultValue, errors.WithMessagef(err, "configuration %s=%q", key, value)
	}
	return parsed, nil
}

func parseAs[T ParamTypes](value string, defaultValue T) (T, error) {
	var parsed any
	var err error
	switch any(defaultValue).(type) {
	case string:
		return any(value).(T), nil
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1":
			parsed = true
		case "false", "0":
			parsed = false
		default:
			err = errors.New("not a bool")
		}
	default:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err = parseNumber(value, defaultValue)
	}
	if err != nil {
		return defaultValue, err
	}
	return parsed.(T), nil
}

func parseNumber(value string, kind any) (any, error) {
	switch kind.(type) {
	case int:
		return strconv.Atoi(value)
	case float32:
		f, err := strconv.ParseFloat(value, 32)
		return float32(f), err
	case float64:
		return strconv.ParseFloat(value, 64)
	case time.Duration:
		return time.ParseDuration(value)
	}
	return nil, errors.Errorf("unsupported type %T", kind)
}
