// Package tournament plays matches between a candidate oracle and the incumbent, to decide whether the
// candidate should replace the incumbent.
package tournament

import (
	"context"
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/searchers/mcts"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"runtime"
	"sync"
)

// Options of a tournament.
type Options struct {
	// NumGames to play. The candidate moves first in the first half of the games, the incumbent in the second.
	NumGames int

	// Parallelism is the number of games played simultaneously. If <= 0, runtime.NumCPU() is used.
	Parallelism int

	// NumSimulations per move.
	NumSimulations int

	// Search options.
	Search mcts.Options

	// Seed for the tie-breaks of the search: each game uses its own generator derived from it.
	Seed uint64

	// OnGame, if not nil, is called with the partial result after each game finishes.
	// Calls are serialized.
	OnGame func(partial Result)
}

// Result of a tournament.
type Result struct {
	IncumbentWins, CandidateWins, Draws int

	// FirstMoverWins and SecondMoverWins count the wins by the position of the winner, regardless of the oracle.
	FirstMoverWins, SecondMoverWins int
}

// Games returns the total number of games.
func (r Result) Games() int {
	return r.IncumbentWins + r.CandidateWins + r.Draws
}

// Score of the candidate: (wins + draws/2) / games.
func (r Result) Score() float64 {
	if r.Games() == 0 {
		return 0
	}
	return (float64(r.CandidateWins) + 0.5*float64(r.Draws)) / float64(r.Games())
}

// Accept returns whether the candidate score is strictly above threshold.
func (r Result) Accept(threshold float64) bool {
	return r.Score() > threshold
}

func (r Result) String() string {
	return fmt.Sprintf("candidate/incumbent/draws=%d/%d/%d (score %.3f), first/second mover wins=%d/%d",
		r.CandidateWins, r.IncumbentWins, r.Draws, r.Score(), r.FirstMoverWins, r.SecondMoverWins)
}

func (r *Result) record(winner game.Player, candidateFirst bool) {
	switch winner {
	case game.PlayerNone:
		r.Draws++
		return
	case game.PlayerFirst:
		r.FirstMoverWins++
	default:
		r.SecondMoverWins++
	}
	if (winner == game.PlayerFirst) == candidateFirst {
		r.CandidateWins++
	} else {
		r.IncumbentWins++
	}
}

// PlayMatch plays opts.NumGames games between candidate and incumbent.
//
// Moves are selected greedily (temperature 0) after a fresh search for every move. Any error aborts the
// whole tournament: there is no implicit rejection of the candidate.
func PlayMatch(ctx context.Context, g game.Game, candidate, incumbent ai.Oracle, opts Options) (Result, error) {
	var result Result
	if opts.NumGames <= 0 {
		return result, errors.Errorf("tournament: invalid number of games %d", opts.NumGames)
	}
	if opts.NumSimulations <= 0 {
		return result, errors.Errorf("tournament: invalid number of simulations %d", opts.NumSimulations)
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	candidateFirstGames := (opts.NumGames + 1) / 2

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)
	for gameIdx := range opts.NumGames {
		group.Go(func() error {
			candidateFirst := gameIdx < candidateFirstGames
			var players [game.NumPlayers]ai.Oracle
			if candidateFirst {
				players = [game.NumPlayers]ai.Oracle{candidate, incumbent}
			} else {
				players = [game.NumPlayers]ai.Oracle{incumbent, candidate}
			}
			var winner game.Player
			var numMoves int
			var err error
			if panicErr := game.TryCatch(func() {
				winner, numMoves, err = playGame(groupCtx, g.NewInstance(), players, opts, opts.Seed+uint64(gameIdx))
			}); panicErr != nil {
				err = panicErr
			}
			if err != nil {
				return errors.WithMessagef(err, "tournament game #%d", gameIdx)
			}
			klog.V(1).Infof("Tournament game #%d: %d moves, winner %s (candidate first: %v)", gameIdx, numMoves, winner, candidateFirst)

			mu.Lock()
			defer mu.Unlock()
			result.record(winner, candidateFirst)
			if opts.OnGame != nil {
				opts.OnGame(result)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}
	return result, nil
}

// playGame returns the winner of one game (PlayerNone for a draw) and the number of moves.
func playGame(ctx context.Context, g game.Game, players [game.NumPlayers]ai.Oracle, opts Options, seed uint64) (game.Player, int, error) {
	rng := rand.New(rand.NewPCG(seed, 0))
	var searchers [game.NumPlayers]*mcts.Searcher
	for ii, oracle := range players {
		var err error
		searchers[ii], err = mcts.New(g, oracle, opts.Search, rng)
		if err != nil {
			return game.PlayerNone, 0, err
		}
	}

	board := g.InitialBoard()
	player := game.PlayerFirst
	numMoves := 0
	for ; !g.IsTerminal(board); numMoves++ {
		if err := ctx.Err(); err != nil {
			return game.PlayerNone, numMoves, err
		}
		tree := mcts.NewTree(player, numMoves)
		dist, err := searchers[player].Search(context.WithoutCancel(ctx), tree, board, opts.NumSimulations, 0)
		if err != nil {
			return game.PlayerNone, numMoves, err
		}
		move := -1
		for action, p := range dist {
			if p > 0 {
				move = action
				break
			}
		}
		board, err = g.ApplyMove(board, move, player)
		if err != nil {
			return game.PlayerNone, numMoves, errors.WithMessagef(err, "applying move %d of %s", move, player)
		}
		player = player.Opponent()
	}

	switch g.OutcomeValue(board, game.PlayerFirst) {
	case game.ValueWin:
		return game.PlayerFirst, numMoves, nil
	case game.ValueLoss:
		return game.PlayerSecond, numMoves, nil
	}
	return game.PlayerNone, numMoves, nil
}
