package gomlx

import (
	stdcontext "context"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

// modelScope holds the weights of the network. Variables outside it (optimizer state, global step) are
// not copied when warm-starting a candidate.
const modelScope = "model"

// Model is a policy/value feed-forward network.
//
// Once trained a Model is never modified again: Train returns a new candidate Model. So a Model is safe for
// concurrent use by many searches.
type Model struct {
	ctx                   *context.Context
	hparams               map[string]any
	actionSize, boardSize int
	seed                  uint64

	// generation is the number of training rounds that led to this model.
	generation int

	optimizer                optimizers.Interface
	inferExec, trainStepExec *context.Exec

	// mu is "write" locked while training and "read" locked for inference.
	mu sync.RWMutex
}

var (
	_ ai.Oracle  = (*Model)(nil)
	_ ai.Learner = (*Model)(nil)
)

// New creates a model with random weights, drawn from seed.
func New(hparams map[string]any, actionSize, boardSize int, seed uint64) (*Model, error) {
	if actionSize <= 0 || boardSize <= 0 {
		return nil, errors.Errorf("fnn model: invalid action size (%d) or board size (%d)", actionSize, boardSize)
	}
	m := &Model{
		ctx:        newContext(hparams, seed),
		hparams:    hparams,
		actionSize: actionSize,
		boardSize:  boardSize,
		seed:       seed,
	}
	for _, key := range []string{"batch_size", "train_steps"} {
		if value := context.GetParamOr(m.ctx, key, 0); value <= 0 {
			return nil, errors.Errorf("fnn model: %s must be > 0, got %d", key, value)
		}
	}
	err := exceptions.TryCatch[error](func() {
		m.optimizer = optimizers.FromContext(m.ctx)
		m.createExecutors()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating fnn model")
	}
	return m, nil
}

func (m *Model) createExecutors() {
	muNewExec.Lock()
	defer muNewExec.Unlock()
	m.inferExec = context.NewExec(backend(), m.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			logits, value := m.forwardGraph(ctx, inputs[0])
			return []*graph.Node{graph.Softmax(logits, -1), value}
		})
	m.trainStepExec = context.NewExec(backend(), m.ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			loss := m.lossGraph(ctx, inputs[0], inputs[1], inputs[2])
			m.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
}

// forwardGraph returns the policy logits, shaped [batch, actionSize], and the values, shaped [batch].
func (m *Model) forwardGraph(ctx *context.Context, boards *graph.Node) (logits, value *graph.Node) {
	ctx = ctx.In(modelScope)
	batchSize := boards.Shape().Dim(0)
	logits = fnnLayer.New(ctx.In("policy"), boards, m.actionSize).Done()
	logits.AssertDims(batchSize, m.actionSize)
	value = fnnLayer.New(ctx.In("value"), boards, 1).Done()
	value = graph.Sigmoid(graph.Squeeze(value, -1))
	return
}

// lossGraph is the mean squared error of the values plus the cross-entropy of the policies.
func (m *Model) lossGraph(ctx *context.Context, boards, policyLabels, valueLabels *graph.Node) *graph.Node {
	logits, value := m.forwardGraph(ctx, boards)
	valueLoss := losses.MeanSquaredError([]*graph.Node{valueLabels}, []*graph.Node{value})
	if !valueLoss.IsScalar() {
		valueLoss = graph.ReduceAllMean(valueLoss)
	}
	policyLoss := graph.ReduceAllMean(graph.Neg(graph.ReduceSum(graph.Mul(policyLabels, graph.LogSoftmax(logits, -1)), -1)))
	valueWeight := context.GetParamOr(ctx, "value_weight", 1.0)
	return graph.Add(policyLoss, graph.MulScalar(valueLoss, valueWeight))
}

// Infer implements ai.Oracle.
func (m *Model) Infer(tensor []float32) (policy []float32, value float32, err error) {
	if len(tensor) != m.boardSize {
		return nil, 0, errors.Errorf("%s: board of size %d, expected %d", m, len(tensor), m.boardSize)
	}
	input := tensors.FromFlatDataAndDimensions(slices.Clone(tensor), 1, m.boardSize)
	err = exceptions.TryCatch[error](func() {
		m.mu.RLock()
		defer m.mu.RUnlock()
		outputs := m.inferExec.Call(input)
		policy = tensors.CopyFlatData[float32](outputs[0])
		value = tensors.CopyFlatData[float32](outputs[1])[0]
	})
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "%s inference", m)
	}
	return policy, value, nil
}

// Train implements ai.Learner. It returns a new Model, warm-started from the incumbent if it is a compatible
// Model (same sizes and hyperparameters), or else from random weights.
//
// It runs "train_steps" steps of "batch_size" examples each, sampled with replacement.
func (m *Model) Train(ctx stdcontext.Context, examples []game.Example, incumbent ai.Oracle) (ai.Oracle, error) {
	if len(examples) == 0 {
		return nil, errors.Errorf("%s: no examples to train on", m)
	}
	for ii, example := range examples {
		if len(example.Board) != m.boardSize || len(example.Policy) != m.actionSize {
			return nil, errors.Errorf("%s: example #%d has board of size %d and policy of size %d, expected %d and %d",
				m, ii, len(example.Board), len(example.Policy), m.boardSize, m.actionSize)
		}
	}

	generation := m.generation
	previous, _ := incumbent.(*Model)
	if previous != nil {
		generation = max(generation, previous.generation)
	}
	candidate, err := New(m.hparams, m.actionSize, m.boardSize, m.seed+uint64(generation)+1)
	if err != nil {
		return nil, err
	}
	candidate.generation = generation + 1
	if previous != nil && previous.compatible(candidate) {
		if err := candidate.copyWeightsFrom(previous); err != nil {
			return nil, err
		}
	} else if incumbent != nil {
		klog.V(1).Infof("%s: incumbent %s is not compatible, training from scratch", candidate, incumbent)
	}

	loss, err := candidate.train(ctx, examples)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("%s: trained on %d examples, loss=%.4f", candidate, len(examples), loss)
	return candidate, nil
}

func (m *Model) compatible(other *Model) bool {
	return m.actionSize == other.actionSize && m.boardSize == other.boardSize && maps.Equal(m.hparams, other.hparams)
}

// copyWeightsFrom copies the network weights of previous. It must be called before the first use of m.
func (m *Model) copyWeightsFrom(previous *Model) error {
	previous.mu.RLock()
	defer previous.mu.RUnlock()
	return exceptions.TryCatch[error](func() {
		previous.ctx.EnumerateVariables(func(v *context.Variable) {
			if !strings.HasPrefix(v.Scope(), context.ScopeSeparator+modelScope) {
				return
			}
			value := v.Value()
			if value.DType() != dtypes.Float32 {
				return
			}
			clone := tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](value), value.Shape().Dimensions...)
			m.ctx.InAbsPath(v.Scope()).VariableWithValue(v.Name(), clone)
		})
	})
}

// train runs the training steps and returns the moving average of the loss.
func (m *Model) train(ctx stdcontext.Context, examples []game.Example) (averageLoss float32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batchSize := context.GetParamOr(m.ctx, "batch_size", 64)
	numSteps := context.GetParamOr(m.ctx, "train_steps", 200)
	rng := rand.New(rand.NewPCG(m.seed, 3))
	boards := make([]float32, batchSize*m.boardSize)
	policies := make([]float32, batchSize*m.actionSize)
	values := make([]float32, batchSize)
	start := time.Now()
	err = exceptions.TryCatch[error](func() {
		for step := range numSteps {
			if ctx.Err() != nil {
				return
			}
			for batchIdx := range batchSize {
				example := examples[rng.IntN(len(examples))]
				copy(boards[batchIdx*m.boardSize:], example.Board)
				copy(policies[batchIdx*m.actionSize:], example.Policy)
				values[batchIdx] = example.Value
			}
			lossT := m.trainStepExec.Call(
				tensors.FromFlatDataAndDimensions(slices.Clone(boards), batchSize, m.boardSize),
				tensors.FromFlatDataAndDimensions(slices.Clone(policies), batchSize, m.actionSize),
				tensors.FromFlatDataAndDimensions(slices.Clone(values), batchSize))[0]
			averageLoss = movingAverage(averageLoss, tensors.ToScalar[float32](lossT), averageLossDecay, step+1)
			if klog.V(2).Enabled() && (step+1)%100 == 0 {
				klog.Infof("%s: %d steps, ~loss=%.4f, elapsed=%s", m, step+1, averageLoss, time.Since(start))
			}
		}
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "training %s", m)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return averageLoss, nil
}

const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

// Generation is the number of training rounds that led to this model: 0 for a model with random weights.
func (m *Model) Generation() int { return m.generation }

// String implements ai.Oracle and ai.Learner.
func (m *Model) String() string {
	return fmt.Sprintf("fnn(gen=%d, hidden=%dx%d)[GoMLX/%s]", m.generation,
		context.GetParamOr(m.ctx, fnnLayer.ParamNumHiddenLayers, 0),
		context.GetParamOr(m.ctx, fnnLayer.ParamNumHiddenNodes, 0), backend().Name())
}
