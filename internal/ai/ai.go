// Package ai defines the oracle used by the search: a policy/value estimator that, given a board,
// returns a probability for each action and an estimate of the value of the position.
//
// It also defines the Learner, the (external) training step that produces an improved Oracle
// from training examples, and a registry of oracle providers configurable by a string.
package ai

import (
	"context"
	"github.com/chewxy/math32"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/pkg/errors"
)

// Oracle is the policy and value estimator consumed by the search. Search never changes it.
//
// Implementations must be safe for concurrent use: many self-play episodes query the same oracle.
type Oracle interface {
	// Infer returns the policy -- one value per action of the game, not necessarily masked or normalized --
	// and the value of the board for the player to move, in the range [0, 1] (see game.ValueWin).
	Infer(tensor []float32) (policy []float32, value float32, err error)

	// String returns the name of the oracle and its configuration.
	String() string
}

// Learner is the training step: given the training examples it returns an updated oracle,
// trained from incumbent. The incumbent is not modified.
type Learner interface {
	Train(ctx context.Context, examples []game.Example, incumbent Oracle) (Oracle, error)
	String() string
}

// Uniform is an Oracle that knows nothing: uniform policy and a draw value for every board.
type Uniform struct {
	ActionSize int
}

var _ Oracle = Uniform{}

// Infer implements Oracle.
func (u Uniform) Infer(tensor []float32) (policy []float32, value float32, err error) {
	if u.ActionSize <= 0 {
		return nil, 0, errors.Errorf("uniform oracle configured with invalid action size %d", u.ActionSize)
	}
	return UniformPolicy(u.ActionSize), game.ValueDraw, nil
}

// String implements Oracle.
func (u Uniform) String() string { return "uniform" }

// UniformPolicy returns a policy with equal probability for each of n actions.
func UniformPolicy(n int) []float32 {
	policy := make([]float32, n)
	for ii := range policy {
		policy[ii] = 1 / float32(n)
	}
	return policy
}

// OneHotEncoding returns a slice of float32 with one element set to 1, and all others to 0.
func OneHotEncoding(total, selected int) (vec []float32) {
	vec = make([]float32, total)
	if total > 0 {
		vec[selected] = 1
	}
	return
}

// Softmax converts logits to probabilities.
func Softmax(logits []float32) (probs []float32) {
	probs = make([]float32, len(logits))
	if len(logits) == 0 {
		return
	}
	// Subtracting the max value keeps the probabilities the same, with smaller exponentials.
	maxValue := logits[0]
	for _, value := range logits[1:] {
		maxValue = max(maxValue, value)
	}
	var sum float32
	for ii, value := range logits {
		probs[ii] = math32.Exp(value - maxValue)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return
}
