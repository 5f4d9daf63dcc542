package coach

import (
	"context"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/game/mnk"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/janpfeifer/a0selfplay/internal/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"testing"
)

func TestNewConfigFromParams(t *testing.T) {
	params := parameters.NewFromConfigString(
		"c_puct=2,sims=30,temperature=0.8,temp_threshold_moves=4,max_examples=1000,max_examples_ramp=100," +
			"episodes=8,workers=2,always_accept,checkpoint_every=3,checkpoint_dir=/tmp/a0,seed=7")
	cfg, err := NewConfigFromParams(params)
	require.NoError(t, err)
	assert.Equal(t, float32(2), cfg.SelfPlay.Search.CPuct)
	assert.Equal(t, 30, cfg.SelfPlay.NumSimulations)
	assert.Equal(t, float32(0.8), cfg.SelfPlay.Schedule.Temperature)
	assert.Equal(t, 4, cfg.SelfPlay.Schedule.ThresholdMoves)
	assert.Equal(t, store.Capacity{Max: 1000, Ramp: 100}, cfg.Capacity)
	assert.Equal(t, 8, cfg.EpisodesPerIteration)
	assert.Equal(t, 2, cfg.NumWorkers)
	assert.True(t, cfg.AlwaysAccept)
	assert.Equal(t, 3, cfg.CheckpointEvery)
	assert.Equal(t, "/tmp/a0", cfg.CheckpointDir)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Empty(t, params)

	_, err = NewConfigFromParams(parameters.NewFromConfigString("sims=10,unknown_param=1"))
	require.Error(t, err)
	_, err = NewConfigFromParams(parameters.NewFromConfigString("accept_threshold=1.5"))
	require.Error(t, err)
	_, err = NewConfigFromParams(parameters.NewFromConfigString("sims=abc"))
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SelfPlay", StateSelfPlay.String())
	assert.Equal(t, "Checkpoint", StateCheckpoint.String())
	assert.Equal(t, "State(17)", State(17).String())
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.SelfPlay.NumSimulations = 8
	cfg.EpisodesPerIteration = 4
	cfg.NumWorkers = 2
	cfg.TournamentGames = 2
	cfg.AcceptThreshold = 0.5
	cfg.CheckpointDir = t.TempDir()
	cfg.CheckpointEvery = 2
	cfg.NumIterations = 2
	return cfg
}

func TestRun_SelfPlayOnly(t *testing.T) {
	g := mnk.NewTicTacToe()
	cfg := testConfig(t)
	c, err := New(cfg, g, ai.Uniform{ActionSize: g.ActionSize()}, nil)
	require.NoError(t, err)
	var states []State
	c.OnState = func(_ int, state State) { states = append(states, state) }
	var reports []*IterationReport
	require.NoError(t, c.Run(context.Background(), func(r *IterationReport) { reports = append(reports, r) }))

	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Iteration)
	assert.Equal(t, 2, reports[1].Iteration)
	assert.Equal(t, 4, reports[0].SelfPlay.Episodes)
	assert.Positive(t, reports[0].NewExamples)
	assert.False(t, reports[0].Trained)
	assert.Nil(t, reports[0].Tournament)
	assert.Empty(t, reports[0].Checkpoint)
	assert.Equal(t, store.CheckpointPath(cfg.CheckpointDir, 2), reports[1].Checkpoint)
	assert.Equal(t, []State{StateSelfPlay, StateMerge, StatePersist, StateSelfPlay, StateMerge, StatePersist, StateCheckpoint}, states)
	assert.Equal(t, 3, c.NextIteration())
	require.NoError(t, c.Store().CheckInvariants())

	for _, base := range []string{store.LatestPath(cfg.CheckpointDir), store.CheckpointPath(cfg.CheckpointDir, 2)} {
		_, err = os.Stat(base + store.BoardsSuffix)
		require.NoError(t, err)
		_, err = os.Stat(base + store.MetadataSuffix)
		require.NoError(t, err)
	}

	// Resume from the latest examples.
	c2, err := New(cfg, g, ai.Uniform{ActionSize: g.ActionSize()}, nil)
	require.NoError(t, err)
	require.NoError(t, c2.LoadExamples(store.LatestPath(cfg.CheckpointDir)))
	assert.Equal(t, c.Store().Len(), c2.Store().Len())
	assert.Equal(t, 3, c2.NextIteration())
	assert.NotEqual(t, c.RunID(), c2.RunID())
}

func TestRun_AlwaysAccept(t *testing.T) {
	g := mnk.NewTicTacToe()
	cfg := testConfig(t)
	cfg.AlwaysAccept = true
	cfg.CheckpointDir = ""
	learner, err := ai.NewTabular(g.ActionSize(), 1)
	require.NoError(t, err)
	c, err := New(cfg, g, ai.Uniform{ActionSize: g.ActionSize()}, learner)
	require.NoError(t, err)
	report, err := c.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, report.Trained)
	assert.True(t, report.Accepted)
	assert.Nil(t, report.Tournament)
	tabular, ok := c.Oracle().(*ai.Tabular)
	require.True(t, ok)
	assert.Equal(t, c.Store().Len(), tabular.Len())
}

func TestRun_Tournament(t *testing.T) {
	g := mnk.NewTicTacToe()
	cfg := testConfig(t)
	cfg.NumIterations = 1
	learner, err := ai.NewTabular(g.ActionSize(), 0.5)
	require.NoError(t, err)
	incumbent := ai.Uniform{ActionSize: g.ActionSize()}
	c, err := New(cfg, g, incumbent, learner)
	require.NoError(t, err)
	var report *IterationReport
	require.NoError(t, c.Run(context.Background(), func(r *IterationReport) { report = r }))
	require.NotNil(t, report)
	require.NotNil(t, report.Tournament)
	assert.Equal(t, 2, report.Tournament.Games())
	assert.Equal(t, report.Tournament.Accept(cfg.AcceptThreshold), report.Accepted)
	if !report.Accepted {
		assert.Equal(t, ai.Oracle(incumbent), c.Oracle())
	}
}

type failingLearner struct{}

func (failingLearner) Train(context.Context, []game.Example, ai.Oracle) (ai.Oracle, error) {
	return nil, errors.New("out of memory")
}

func (failingLearner) String() string { return "failing" }

func TestRun_Errors(t *testing.T) {
	g := mnk.NewTicTacToe()
	cfg := testConfig(t)
	c, err := New(cfg, g, ai.Uniform{ActionSize: g.ActionSize()}, failingLearner{})
	require.NoError(t, err)
	err = c.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err = New(cfg, g, ai.Uniform{ActionSize: g.ActionSize()}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.Run(ctx, nil), context.Canceled)

	_, err = New(cfg, g, nil, nil)
	require.Error(t, err)
	cfg.EpisodesPerIteration = 0
	_, err = New(cfg, g, ai.Uniform{ActionSize: g.ActionSize()}, nil)
	require.Error(t, err)
}
