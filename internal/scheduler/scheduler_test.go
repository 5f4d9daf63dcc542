package scheduler

import (
	"context"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/game/mnk"
	"github.com/janpfeifer/a0selfplay/internal/selfplay"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync/atomic"
	"testing"
	"time"
)

// fakeEpisode returns an episode with one example whose Iteration field holds the episode index.
func fakeEpisode(episodeIdx int) *selfplay.Episode {
	winner := game.Player(episodeIdx%3 - 1) // PlayerNone, PlayerFirst, PlayerSecond.
	return &selfplay.Episode{
		Examples: []game.Example{{Iteration: episodeIdx}},
		Winner:   winner,
		NumMoves: 5,
	}
}

func TestRun(t *testing.T) {
	var running, maxRunning atomic.Int32
	s := &Scheduler{NumWorkers: 3}
	var numProgress int
	s.OnProgress = func(stats Stats, numEpisodes int) {
		numProgress++
		assert.Equal(t, numProgress, stats.Episodes)
		assert.Equal(t, 12, numEpisodes)
	}
	results, stats, err := s.Run(context.Background(), 12, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		current := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if current <= m || maxRunning.CompareAndSwap(m, current) {
				break
			}
		}
		// Later episodes finish first.
		time.Sleep(time.Duration(12-episodeIdx) * time.Millisecond)
		return fakeEpisode(episodeIdx), nil
	})
	require.NoError(t, err)
	require.Len(t, results, 12)
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
	assert.Equal(t, 12, numProgress)

	seen := make(map[int]bool)
	for _, examples := range results {
		require.Len(t, examples, 1)
		seen[examples[0].Iteration] = true
	}
	assert.Len(t, seen, 12)
	assert.Equal(t, 12, stats.Episodes)
	assert.Equal(t, 4, stats.Draws)
	assert.Equal(t, [game.NumPlayers]int{4, 4}, stats.Wins)
	assert.Equal(t, 60, stats.Moves)
	assert.Equal(t, 12, stats.Examples)
}

func TestRun_Error(t *testing.T) {
	s := &Scheduler{NumWorkers: 2}
	results, _, err := s.Run(context.Background(), 10, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		if episodeIdx == 3 {
			return nil, errors.New("game engine out of sync")
		}
		return fakeEpisode(episodeIdx), nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "game engine out of sync")
	assert.Nil(t, results, "partial results must be discarded")
}

func TestRun_Panic(t *testing.T) {
	s := &Scheduler{NumWorkers: 4}
	results, _, err := s.Run(context.Background(), 8, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		if episodeIdx == 5 {
			var examples []game.Example
			_ = examples[episodeIdx] // Index out of range.
		}
		return fakeEpisode(episodeIdx), nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "episode #5")
	assert.Nil(t, results)
}

// panickingOracle panics with err on every inference.
type panickingOracle struct{ err error }

func (o panickingOracle) Infer([]float32) ([]float32, float32, error) { panic(o.err) }

func (panickingOracle) String() string { return "panickingOracle" }

func TestRun_PanicWithoutError(t *testing.T) {
	s := &Scheduler{NumWorkers: 4}
	results, _, err := s.Run(context.Background(), 8, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		if episodeIdx == 3 {
			panic("game rules bug")
		}
		return fakeEpisode(episodeIdx), nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "game rules bug")
	assert.Contains(t, err.Error(), "episode #3")
	assert.Nil(t, results)
}

func TestRun_PanicInParallelSearch(t *testing.T) {
	g := mnk.NewTicTacToe()
	errOracle := errors.New("oracle blew up")
	cfg := selfplay.DefaultConfig()
	cfg.NumSimulations = 16
	cfg.Search.SearchThreads = 4
	s := &Scheduler{NumWorkers: 2}
	results, _, err := s.Run(context.Background(), 4, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		runner, err := selfplay.NewRunner(g.NewInstance(), panickingOracle{errOracle}, cfg, uint64(episodeIdx))
		if err != nil {
			return nil, err
		}
		return runner.Play(ctx, 1)
	})
	require.ErrorIs(t, err, errOracle)
	assert.Nil(t, results)
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Scheduler{NumWorkers: 2}
	var played atomic.Int32
	_, _, err := s.Run(ctx, 10, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		played.Add(1)
		return fakeEpisode(episodeIdx), nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), played.Load())
}

func TestRun_SelfPlay(t *testing.T) {
	g := mnk.NewTicTacToe()
	oracle := ai.Uniform{ActionSize: g.ActionSize()}
	cfg := selfplay.DefaultConfig()
	cfg.NumSimulations = 10
	s := &Scheduler{NumWorkers: 4}
	results, stats, err := s.Run(context.Background(), 6, func(ctx context.Context, episodeIdx int) (*selfplay.Episode, error) {
		runner, err := selfplay.NewRunner(g.NewInstance(), oracle, cfg, uint64(episodeIdx))
		if err != nil {
			return nil, err
		}
		return runner.Play(ctx, 1)
	})
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.Equal(t, 6, stats.Episodes)
	assert.Equal(t, 6, stats.Wins[game.PlayerFirst]+stats.Wins[game.PlayerSecond]+stats.Draws)
}
