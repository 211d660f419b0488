package model

import (
	"math"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

// ParamInt converts a hyperparameter value to int. JSON-decoded numbers arrive
// as float64 and are accepted when integral.
func ParamInt(name string, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	case nil:
		return 0, nil
	}
	return 0, errors.NewValidationError(name, "expected an integer", value)
}

// ParamInt64 is ParamInt for 64-bit values such as random seeds.
func ParamInt64(name string, value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	}
	i, err := ParamInt(name, value)
	return int64(i), err
}

// ParamString converts a hyperparameter value to string.
func ParamString(name string, value interface{}) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", errors.NewValidationError(name, "expected a string", value)
}

// ParamBool converts a hyperparameter value to bool.
func ParamBool(name string, value interface{}) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return false, errors.NewValidationError(name, "expected a boolean", value)
}
