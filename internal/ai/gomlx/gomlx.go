// Package gomlx implements an ai.Oracle and ai.Learner backed by a GoMLX feed-forward network, with a
// policy head (softmax over all actions) and a value head (sigmoid, in [0, 1]).
//
// It registers itself as the "fnn" oracle provider. Any model hyperparameter (see DefaultHyperparameters)
// can be set in the oracle configuration, e.g.: "fnn:fnn_num_hidden_layers=3,learning_rate=0.01,train_steps=500".
package gomlx

import (
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/pkg/errors"
	"maps"
	"sync"
)

var (
	// backend is a singleton, shared by all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec serializes the creation of the executors.
	muNewExec sync.Mutex
)

// DefaultHyperparameters of the model. They are stored in the GoMLX context of each model.
func DefaultHyperparameters() map[string]any {
	return map[string]any{
		"batch_size":   64,
		"train_steps":  200,
		"value_weight": 1.0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         1e-5,

		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  64,
		fnnLayer.ParamResidual:        true,
		fnnLayer.ParamNormalization:   "none",
	}
}

// NewFromParams creates a model with random weights for a game with actionSize actions.
//
// It pops the parameters "seed", "board_size" (defaults to actionSize) and any of the
// DefaultHyperparameters.
func NewFromParams(params parameters.Params, actionSize int) (*Model, error) {
	seed, err := parameters.PopParamOr(params, "seed", 0)
	if err != nil {
		return nil, err
	}
	boardSize, err := parameters.PopParamOr(params, "board_size", actionSize)
	if err != nil {
		return nil, err
	}
	hparams, err := extractParams(params, DefaultHyperparameters())
	if err != nil {
		return nil, err
	}
	return New(hparams, actionSize, boardSize, uint64(seed))
}

// extractParams pops from params the values of the given hyperparameters, parsed to the type of
// their default values.
func extractParams(params parameters.Params, defaults map[string]any) (map[string]any, error) {
	hparams := maps.Clone(defaults)
	for key, defaultValue := range defaults {
		var value any
		var err error
		switch v := defaultValue.(type) {
		case string:
			value, err = parameters.PopParamOr(params, key, v)
		case int:
			value, err = parameters.PopParamOr(params, key, v)
		case float64:
			value, err = parameters.PopParamOr(params, key, v)
		case float32:
			value, err = parameters.PopParamOr(params, key, v)
		case bool:
			value, err = parameters.PopParamOr(params, key, v)
		default:
			err = errors.Errorf("hyperparameter %q is of unknown type %T", key, defaultValue)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing fnn hyperparameter %q", key)
		}
		hparams[key] = value
	}
	return hparams, nil
}

// newContext creates a GoMLX context with the hyperparameters set and the random number generator seeded.
func newContext(hparams map[string]any, seed uint64) *context.Context {
	ctx := context.New()
	ctx.RngStateFromSeed(int64(seed))
	ctx.SetParams(hparams)
	return ctx.Checked(false)
}

func init() {
	ai.RegisterProvider("fnn", ai.ProviderFunc(func(params parameters.Params, actionSize int) (ai.Oracle, error) {
		return NewFromParams(params, actionSize)
	}))
}
