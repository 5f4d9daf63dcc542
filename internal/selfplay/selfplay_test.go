package selfplay

import (
	"context"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/game/mnk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"testing"
)

func TestSchedule(t *testing.T) {
	s := Schedule{Temperature: 1, ThresholdMoves: 3, ThresholdIteration: 5}
	assert.Equal(t, float32(1), s.At(0, 0))
	assert.Equal(t, float32(1), s.At(4, 2))
	assert.Equal(t, float32(0), s.At(4, 3))
	assert.Equal(t, float32(0), s.At(5, 0))

	s = Schedule{Temperature: 0.5}
	assert.Equal(t, float32(0.5), s.At(1000, 1000))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumSimulations = 20
	cfg.Schedule = Schedule{Temperature: 1, ThresholdMoves: 4}
	return cfg
}

func TestRunner_Play(t *testing.T) {
	g := mnk.NewTicTacToe()
	runner, err := NewRunner(g, ai.Uniform{ActionSize: g.ActionSize()}, testConfig(), 17)
	require.NoError(t, err)
	episode, err := runner.Play(context.Background(), 3)
	require.NoError(t, err)
	require.NotEmpty(t, episode.Examples)
	assert.GreaterOrEqual(t, episode.NumMoves, 5)
	assert.LessOrEqual(t, episode.NumMoves, 9)

	seen := make(map[game.Fingerprint]bool)
	for _, example := range episode.Examples {
		require.False(t, seen[example.Fingerprint], "duplicate board in episode")
		seen[example.Fingerprint] = true
		assert.Equal(t, 3, example.Iteration)
		assert.Equal(t, game.FingerprintOf(example.Board), example.Fingerprint)

		var sum float32
		for _, p := range example.Policy {
			require.GreaterOrEqual(t, p, float32(0))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)

		want := game.ValueFor(episode.Winner, example.Player)
		assert.Equal(t, want, example.Value)
	}
}

func TestRunner_Reproducible(t *testing.T) {
	g := mnk.NewTicTacToe()
	oracle := ai.Uniform{ActionSize: g.ActionSize()}
	play := func() *Episode {
		runner, err := NewRunner(g, oracle, testConfig(), 1234)
		require.NoError(t, err)
		episode, err := runner.Play(context.Background(), 0)
		require.NoError(t, err)
		return episode
	}
	e1, e2 := play(), play()
	assert.Equal(t, e1.NumMoves, e2.NumMoves)
	assert.Equal(t, e1.Winner, e2.Winner)
	assert.Equal(t, e1.Examples, e2.Examples)
}

func TestRunner_Interrupted(t *testing.T) {
	g := mnk.NewTicTacToe()
	runner, err := NewRunner(g, ai.Uniform{ActionSize: g.ActionSize()}, testConfig(), 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runner.Play(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.NoiseWeight = 1.5
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.NumSimulations = 0
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.DirichletAlpha = 0
	require.Error(t, cfg.Validate())
	cfg.NoiseWeight = 0
	require.NoError(t, cfg.Validate())
}

func TestRunner_Mix(t *testing.T) {
	g := mnk.NewTicTacToe()
	cfg := testConfig()
	mask := []bool{true, false, true, true, false, false, false, false, true}
	dist := []float32{0.5, 0, 0.5, 0, 0, 0, 0, 0, 0}

	// No noise: only renormalization over the legal moves.
	cfg.NoiseWeight = 0
	runner, err := NewRunner(g, ai.Uniform{ActionSize: g.ActionSize()}, cfg, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0, 0.5, 0, 0, 0, 0, 0, 0}, runner.mix(dist, mask), 1e-9)

	// With noise the mixture is still a distribution supported on the legal moves.
	cfg.NoiseWeight = 0.5
	runner, err = NewRunner(g, ai.Uniform{ActionSize: g.ActionSize()}, cfg, 3)
	require.NoError(t, err)
	for range 20 {
		mixed := runner.mix(dist, mask)
		var sum float64
		for action, p := range mixed {
			if !mask[action] {
				require.Equal(t, 0.0, p)
			}
			require.GreaterOrEqual(t, p, 0.0)
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-9)
		require.GreaterOrEqual(t, mixed[0], 0.25-1e-9)
		require.GreaterOrEqual(t, mixed[2], 0.25-1e-9)

		move, err := runner.sample(mixed, mask)
		require.NoError(t, err)
		require.True(t, mask[move])
	}
}

func TestRunner_IllegalSample(t *testing.T) {
	g := mnk.NewTicTacToe()
	cfg := testConfig()
	cfg.MaxResamples = 3
	runner, err := NewRunner(g, ai.Uniform{ActionSize: g.ActionSize()}, cfg, 3)
	require.NoError(t, err)
	// All the mass on an illegal move: a broken mixture.
	probs := []float64{0, 1, 0, 0, 0, 0, 0, 0, 0}
	mask := []bool{true, false, true, true, true, true, true, true, true}
	_, err = runner.sample(probs, mask)
	require.ErrorIs(t, err, ErrIllegalSample)
}

func TestSampleIndex(t *testing.T) {
	rng := rand.New(rand.NewPCG(0, 0))
	counts := make([]int, 3)
	const n = 10000
	for range n {
		counts[sampleIndex(rng, []float64{0.2, 0, 0.8})]++
	}
	assert.Equal(t, 0, counts[1])
	assert.InDelta(t, 0.2, float64(counts[0])/n, 0.03)
	assert.Equal(t, -1, sampleIndex(rng, []float64{0, 0}))
}

func TestTopMoves(t *testing.T) {
	assert.Equal(t, "4:0.500 0:0.300", topMoves([]float32{0.3, 0.1, 0, 0.1, 0.5}, 2))
	assert.Equal(t, "", topMoves(nil, 3))
}
