package runner

import (
	"strconv"

	"github.com/YuminosukeSato/churnforest/internal/cfg"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

// Params is the forest shape of a run. It is fixed once the run starts and
// is not range-checked here; the estimator rejects invalid values at Fit.
type Params struct {
	NEstimators int
	MaxDepth    int
}

// DefaultParams returns 505 trees of depth at most 37.
func DefaultParams() Params {
	return Params{NEstimators: cfg.DefaultNEstimators, MaxDepth: cfg.DefaultMaxDepth}
}

// ParseArgs reads the optional positional arguments [n_estimators [max_depth]]
// on top of defaults.
func ParseArgs(args []string, defaults Params) (Params, error) {
	if len(args) > 2 {
		return Params{}, errors.NewValueError("ParseArgs", "expected at most 2 arguments: [n_estimators] [max_depth]")
	}
	p := defaults
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return Params{}, errors.NewValueError("ParseArgs", "n_estimators must be an integer, got "+strconv.Quote(args[0]))
		}
		p.NEstimators = n
	}
	if len(args) > 1 {
		d, err := strconv.Atoi(args[1])
		if err != nil {
			return Params{}, errors.NewValueError("ParseArgs", "max_depth must be an integer, got "+strconv.Quote(args[1]))
		}
		p.MaxDepth = d
	}
	return p, nil
}
