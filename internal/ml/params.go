package ml

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"math"
)

// IntParam reads the hyperparameter key from the root scope of ctx as an int.
//
// Hyperparameters restored from a checkpoint may come back with a different numeric type (e.g. float64 for
// an int), so values are converted as long as they hold an integer.
func IntParam(ctx *context.Context, key string) (value int, found bool, err error) {
	valueAny, found := ctx.InAbsPath(context.RootScope).GetParam(key)
	if !found {
		return 0, false, nil
	}
	switch v := valueAny.(type) {
	case int:
		return v, true, nil
	case int32:
		return int(v), true, nil
	case int64:
		return int(v), true, nil
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			break
		}
		return int(v), true, nil
	case float64:
		if v != math.Trunc(v) {
			break
		}
		return int(v), true, nil
	default:
		return 0, true, errors.Errorf("hyperparameter %q has unexpected type %T", key, valueAny)
	}
	return 0, true, errors.Errorf("hyperparameter %q=%v is not an integer", key, valueAny)
}

// FloatParam reads the hyperparameter key from the root scope of ctx as a float64.
func FloatParam(ctx *context.Context, key string) (value float64, found bool, err error) {
	valueAny, found := ctx.InAbsPath(context.RootScope).GetParam(key)
	if !found {
		return 0, false, nil
	}
	switch v := valueAny.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	}
	return 0, true, errors.Errorf("hyperparameter %q has unexpected type %T", key, valueAny)
}
