package ai

import (
	"context"
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tabular is an Oracle that memorizes the policy and value targets of every board it has been trained on.
// Unknown boards get a uniform policy and a draw value.
//
// It is only practical for small games, but it allows the whole self-play/train/evaluate loop to run
// without a neural network. It is also its own Learner.
//
// A Tabular oracle is immutable once created, so it is safe for concurrent use.
type Tabular struct {
	actionSize int

	// learningRate is how much of the new targets replace the incumbent's values: 1 means full replacement.
	learningRate float32

	table map[game.Fingerprint]tabularEntry
}

type tabularEntry struct {
	policy []float32
	value  float32
}

var (
	_ Oracle  = (*Tabular)(nil)
	_ Learner = (*Tabular)(nil)
)

// NewTabular returns an empty Tabular oracle.
func NewTabular(actionSize int, learningRate float32) (*Tabular, error) {
	if actionSize <= 0 {
		return nil, errors.Errorf("tabular oracle: invalid action size %d", actionSize)
	}
	if learningRate <= 0 || learningRate > 1 {
		return nil, errors.Errorf("tabular oracle: learning_rate must be in (0, 1], got %g", learningRate)
	}
	return &Tabular{
		actionSize:   actionSize,
		learningRate: learningRate,
		table:        make(map[game.Fingerprint]tabularEntry),
	}, nil
}

// NewTabularFromParams creates a Tabular oracle, popping parameter "learning_rate" (default 1).
func NewTabularFromParams(params parameters.Params, actionSize int) (*Tabular, error) {
	learningRate, err := parameters.PopParamOr(params, "learning_rate", float32(1))
	if err != nil {
		return nil, err
	}
	return NewTabular(actionSize, learningRate)
}

// Len returns the number of boards memorized.
func (t *Tabular) Len() int { return len(t.table) }

// Infer implements Oracle.
func (t *Tabular) Infer(tensor []float32) (policy []float32, value float32, err error) {
	entry, found := t.table[game.FingerprintOf(tensor)]
	if !found {
		return UniformPolicy(t.actionSize), game.ValueDraw, nil
	}
	policy = make([]float32, t.actionSize)
	copy(policy, entry.policy)
	return policy, entry.value, nil
}

// Train implements Learner. It returns a new Tabular oracle, with the entries of the incumbent (if it is
// also a Tabular) moved towards the targets of the examples by the learning rate.
func (t *Tabular) Train(ctx context.Context, examples []game.Example, incumbent Oracle) (Oracle, error) {
	newT := &Tabular{
		actionSize:   t.actionSize,
		learningRate: t.learningRate,
		table:        make(map[game.Fingerprint]tabularEntry, len(examples)),
	}
	if previous, ok := incumbent.(*Tabular); ok && previous != nil {
		for fp, entry := range previous.table {
			newT.table[fp] = entry
		}
	} else if incumbent != nil {
		klog.V(1).Infof("%s: incumbent %s is not tabular, training from scratch", t, incumbent)
	}
	for ii, example := range examples {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(example.Policy) != t.actionSize {
			return nil, errors.Errorf("%s: example #%d has policy of length %d, expected %d",
				t, ii, len(example.Policy), t.actionSize)
		}
		entry, found := newT.table[example.Fingerprint]
		if !found {
			entry = tabularEntry{policy: make([]float32, t.actionSize), value: example.Value}
			copy(entry.policy, example.Policy)
			newT.table[example.Fingerprint] = entry
			continue
		}
		rate := t.learningRate
		policy := make([]float32, t.actionSize)
		for action := range policy {
			policy[action] = (1-rate)*entry.policy[action] + rate*example.Policy[action]
		}
		newT.table[example.Fingerprint] = tabularEntry{
			policy: policy,
			value:  (1-rate)*entry.value + rate*example.Value,
		}
	}
	klog.V(1).Infof("%s: trained on %d examples, %d boards memorized", t, len(examples), len(newT.table))
	return newT, nil
}

// String implements Oracle and Learner.
func (t *Tabular) String() string {
	return fmt.Sprintf("tabular(learning_rate=%g)", t.learningRate)
}
