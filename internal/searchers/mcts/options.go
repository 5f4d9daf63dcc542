package mcts

import (
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/pkg/errors"
)

// Options of the search.
type Options struct {
	// CPuct is the exploration constant of the upper confidence bound (PUCT) formula.
	CPuct float32

	// Epsilon is added to the visit counts before taking their log when computing the action distribution
	// with temperature > 0.
	Epsilon float32

	// SearchThreads is the number of concurrent simulations on one tree. Values <= 1 mean sequential search.
	// In-flight simulations are spread apart with virtual losses.
	SearchThreads int
}

// DefaultOptions for the search.
func DefaultOptions() Options {
	return Options{
		CPuct:         1.0,
		Epsilon:       1e-8,
		SearchThreads: 1,
	}
}

// Validate options.
func (opts Options) Validate() error {
	if opts.CPuct < 0 {
		return errors.Errorf("negative c_puct value (%g given) not possible", opts.CPuct)
	}
	if opts.Epsilon <= 0 {
		return errors.Errorf("epsilon must be > 0, got %g", opts.Epsilon)
	}
	return nil
}

// OptionsFromParams pops the search parameters "c_puct", "epsilon" and "search_threads" from params,
// using DefaultOptions for the missing ones.
func OptionsFromParams(params parameters.Params) (opts Options, err error) {
	opts = DefaultOptions()
	opts.CPuct, err = parameters.PopParamOr(params, "c_puct", opts.CPuct)
	if err != nil {
		return
	}
	opts.Epsilon, err = parameters.PopParamOr(params, "epsilon", opts.Epsilon)
	if err != nil {
		return
	}
	opts.SearchThreads, err = parameters.PopParamOr(params, "search_threads", opts.SearchThreads)
	if err != nil {
		return
	}
	err = opts.Validate()
	return
}
