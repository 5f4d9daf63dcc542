package ai

import (
	"context"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNew(t *testing.T) {
	oracle, err := New("", 9)
	require.NoError(t, err)
	policy, value, err := oracle.Infer(make([]float32, 9))
	require.NoError(t, err)
	assert.Len(t, policy, 9)
	assert.InDelta(t, 1.0/9.0, policy[3], 1e-6)
	assert.Equal(t, game.ValueDraw, value)

	oracle, err = New("tabular:learning_rate=0.5", 4)
	require.NoError(t, err)
	assert.IsType(t, &Tabular{}, oracle)

	_, err = New("unknown_oracle", 4)
	require.Error(t, err)
	_, err = New("tabular:learning_rate=0.5,bogus=1", 4)
	require.Error(t, err, "leftover parameters must be reported")
	_, err = New("tabular:learning_rate=2", 4)
	require.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1, 1, 1, 1})
	for _, p := range probs {
		assert.InDelta(t, 0.25, p, 1e-6)
	}
	probs = Softmax([]float32{1000, 0})
	assert.InDelta(t, 1.0, probs[0], 1e-6)
	assert.Empty(t, Softmax(nil))
}

func TestTabular_Train(t *testing.T) {
	tabular, err := NewTabular(2, 0.5)
	require.NoError(t, err)
	board := []float32{1, 0}
	fp := game.FingerprintOf(board)
	examples := []game.Example{{Fingerprint: fp, Board: board, Policy: []float32{1, 0}, Value: 1}}

	trained, err := tabular.Train(context.Background(), examples, tabular)
	require.NoError(t, err)
	policy, value, err := trained.Infer(board)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, policy)
	assert.Equal(t, float32(1), value)

	// Second round moves half-way.
	examples[0].Policy = []float32{0, 1}
	examples[0].Value = 0
	trained2, err := tabular.Train(context.Background(), examples, trained)
	require.NoError(t, err)
	policy, value, err = trained2.Infer(board)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, policy, 1e-6)
	assert.InDelta(t, 0.5, value, 1e-6)

	// Incumbent is not changed.
	policy, _, err = trained.Infer(board)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, policy)

	// Unknown boards.
	policy, value, err = trained2.Infer([]float32{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, policy)
	assert.Equal(t, game.ValueDraw, value)

	// Invalid policy length.
	examples[0].Policy = []float32{1}
	_, err = tabular.Train(context.Background(), examples, nil)
	require.Error(t, err)
}
