package main

import (
	"bytes"
	"context"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game/mnk"
	"github.com/janpfeifer/a0selfplay/internal/tournament"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewOptions(t *testing.T) {
	opts, err := newOptions("sims=20,c_puct=2.5,search_threads=2")
	require.NoError(t, err)
	assert.Equal(t, 20, opts.NumSimulations)
	assert.Equal(t, float32(2.5), opts.Search.CPuct)
	assert.Equal(t, 2, opts.Search.SearchThreads)

	opts, err = newOptions("")
	require.NoError(t, err)
	assert.Equal(t, 100, opts.NumSimulations)

	_, err = newOptions("sims=10,temperature=1")
	require.Error(t, err)
}

func TestRunMatches(t *testing.T) {
	g := mnk.NewTicTacToe()
	opts, err := newOptions("sims=4")
	require.NoError(t, err)
	opts.NumGames = 4
	opts.Parallelism = 2
	var out bytes.Buffer
	oracle := ai.Uniform{ActionSize: g.ActionSize()}
	var partials int
	result, err := runMatches(context.Background(), &out, false, opts,
		func(ctx context.Context, opts tournament.Options) (tournament.Result, error) {
			wrapped := opts.OnGame
			opts.OnGame = func(partial tournament.Result) {
				partials++
				wrapped(partial)
			}
			return tournament.PlayMatch(ctx, g, oracle, oracle, opts)
		})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Games())
	assert.Equal(t, 4, partials)
	assert.Contains(t, out.String(), "Played 4 matches")
}
