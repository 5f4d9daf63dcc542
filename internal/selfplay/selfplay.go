// Package selfplay plays one match of the oracle against itself, using MCTS to select the moves,
// and records the training examples of the match.
package selfplay

import (
	"context"
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/generics"
	"github.com/janpfeifer/a0selfplay/internal/searchers/mcts"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distmv"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrIllegalSample is returned when the move sampled from the noisy distribution is illegal more than
// Config.MaxResamples times in a row. It indicates a defect in the masking of the distribution.
var ErrIllegalSample = errors.New("sampled move is not legal")

// Config of the self-play matches.
type Config struct {
	// Search options used for every move.
	Search mcts.Options

	// NumSimulations per move.
	NumSimulations int

	// Schedule of the temperature used to convert visit counts into the action distribution.
	Schedule Schedule

	// DirichletAlpha is the concentration of the Dirichlet noise mixed into the action distribution before
	// sampling the move played.
	DirichletAlpha float32

	// NoiseWeight is the weight w of the noise: the move is sampled from (1-w)*distribution + w*noise.
	// If 0, no noise is used.
	NoiseWeight float32

	// MaxResamples is the number of times an illegal sampled move is resampled before failing with
	// ErrIllegalSample.
	MaxResamples int
}

// DefaultConfig for self-play.
func DefaultConfig() Config {
	return Config{
		Search:         mcts.DefaultOptions(),
		NumSimulations: 100,
		Schedule:       Schedule{Temperature: 1, ThresholdMoves: 15},
		DirichletAlpha: 0.3,
		NoiseWeight:    0.25,
		MaxResamples:   10,
	}
}

// Validate configuration.
func (c Config) Validate() error {
	if err := c.Search.Validate(); err != nil {
		return err
	}
	if c.NumSimulations <= 0 {
		return errors.Errorf("number of simulations must be > 0, got %d", c.NumSimulations)
	}
	if c.Schedule.Temperature < 0 {
		return errors.Errorf("temperature must be >= 0, got %g", c.Schedule.Temperature)
	}
	if c.NoiseWeight < 0 || c.NoiseWeight > 1 {
		return errors.Errorf("noise weight must be in [0, 1], got %g", c.NoiseWeight)
	}
	if c.NoiseWeight > 0 && c.DirichletAlpha <= 0 {
		return errors.Errorf("dirichlet alpha must be > 0, got %g", c.DirichletAlpha)
	}
	if c.MaxResamples < 0 {
		return errors.Errorf("max resamples must be >= 0, got %d", c.MaxResamples)
	}
	return nil
}

// Episode is the result of one self-play match.
type Episode struct {
	// Examples recorded during the match, one per distinct board (symmetries included), with the value set
	// from the final result of the match.
	Examples []game.Example

	// Winner of the match, or game.PlayerNone for a draw.
	Winner game.Player

	// NumMoves played.
	NumMoves int
}

// Runner plays self-play episodes.
//
// A Runner owns its random number generator: use one Runner per concurrent episode.
type Runner struct {
	game     game.Game
	cfg      Config
	searcher *mcts.Searcher
	rng      *rand.Rand
}

// NewRunner creates a Runner for the game using the oracle. The seed drives both the noise and the search
// tie-breaks, so episodes are reproducible for a given seed (if the oracle is deterministic and
// Config.Search.SearchThreads <= 1).
func NewRunner(g game.Game, oracle ai.Oracle, cfg Config, seed uint64) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	searcher, err := mcts.New(g, oracle, cfg.Search, rand.New(rand.NewPCG(seed, 1)))
	if err != nil {
		return nil, err
	}
	return &Runner{
		game:     g,
		cfg:      cfg,
		searcher: searcher,
		rng:      rand.New(rand.NewPCG(seed, 2)),
	}, nil
}

// Play one match for the given learning iteration.
//
// The context is only checked between moves: a search is never interrupted midway.
func (r *Runner) Play(ctx context.Context, iteration int) (*Episode, error) {
	start := time.Now()
	g := r.game
	board := g.InitialBoard()
	player := game.PlayerFirst
	tree := mcts.NewTree(player, 0)

	var examples []game.Example
	recorded := make(map[game.Fingerprint]int)
	numMoves := 0
	for ; !g.IsTerminal(board); numMoves++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "self-play interrupted at move #%d", numMoves)
		}
		temperature := r.cfg.Schedule.At(iteration, numMoves)
		dist, err := r.searcher.Search(context.WithoutCancel(ctx), tree, board, r.cfg.NumSimulations, temperature)
		if err != nil {
			return nil, errors.WithMessagef(err, "self-play search at move #%d", numMoves)
		}
		if klog.V(2).Enabled() {
			klog.Infof("Iteration %d, move #%d by %s (T=%g): %s", iteration, numMoves, player, temperature, topMoves(dist, 3))
		}

		// Latest record of a board wins.
		for _, example := range g.Symmetries(board, dist, player, iteration) {
			if idx, found := recorded[example.Fingerprint]; found {
				examples[idx] = example
				continue
			}
			recorded[example.Fingerprint] = len(examples)
			examples = append(examples, example)
		}

		mask := g.LegalMoveMask(board, player)
		move, err := r.sample(r.mix(dist, mask), mask)
		if err != nil {
			return nil, errors.WithMessagef(err, "self-play at move #%d", numMoves)
		}
		board, err = g.ApplyMove(board, move, player)
		if err != nil {
			return nil, errors.WithMessagef(err, "self-play failed to apply move %d at move #%d", move, numMoves)
		}
		tree, err = tree.Advance(move)
		if err != nil {
			return nil, errors.WithMessagef(err, "self-play at move #%d", numMoves)
		}
		player = player.Opponent()
	}

	for ii := range examples {
		examples[ii].Value = g.OutcomeValue(board, examples[ii].Player)
	}
	winner := game.PlayerNone
	switch g.OutcomeValue(board, game.PlayerFirst) {
	case game.ValueWin:
		winner = game.PlayerFirst
	case game.ValueLoss:
		winner = game.PlayerSecond
	}
	if klog.V(1).Enabled() {
		klog.Infof("Episode (iteration %d): %d moves, winner %s, %d examples, %s",
			iteration, numMoves, winner, len(examples), time.Since(start))
	}
	return &Episode{Examples: examples, Winner: winner, NumMoves: numMoves}, nil
}

// topMoves formats the k most probable moves of the distribution.
func topMoves(dist []float32, k int) string {
	moves := generics.SliceMap(generics.TopK(dist, k), func(move int) string {
		return fmt.Sprintf("%d:%.3f", move, dist[move])
	})
	return strings.Join(moves, " ")
}

// mix the Dirichlet noise into the distribution, restricted to the legal moves, and renormalizes.
func (r *Runner) mix(dist []float32, mask []bool) []float64 {
	legal := game.LegalIndices(mask)
	mixed := make([]float64, len(dist))
	if len(legal) == 0 {
		return mixed
	}
	w := float64(r.cfg.NoiseWeight)
	var noise []float64
	if w > 0 && len(legal) > 1 {
		noise = r.dirichlet(len(legal))
	}
	var sum float64
	for ii, action := range legal {
		p := float64(dist[action])
		if noise != nil {
			p = (1-w)*p + w*noise[ii]
		}
		mixed[action] = p
		sum += p
	}
	if sum <= 0 {
		for _, action := range legal {
			mixed[action] = 1 / float64(len(legal))
		}
		return mixed
	}
	for _, action := range legal {
		mixed[action] /= sum
	}
	return mixed
}

// dirichlet samples a symmetric Dirichlet(alpha) vector of size n.
func (r *Runner) dirichlet(n int) []float64 {
	alpha := make([]float64, n)
	for ii := range alpha {
		alpha[ii] = float64(r.cfg.DirichletAlpha)
	}
	return distmv.NewDirichlet(alpha, r.rng).Rand(nil)
}

// sample a move from probs, resampling up to MaxResamples times if the sampled move is illegal.
func (r *Runner) sample(probs []float64, mask []bool) (int, error) {
	for attempt := 0; attempt <= r.cfg.MaxResamples; attempt++ {
		move := sampleIndex(r.rng, probs)
		if move >= 0 && mask[move] {
			return move, nil
		}
		klog.Warningf("sampled illegal move %d (attempt %d of %d), resampling", move, attempt+1, r.cfg.MaxResamples+1)
	}
	return -1, errors.Wrapf(ErrIllegalSample, "%d attempts", r.cfg.MaxResamples+1)
}

// sampleIndex from the (normalized) probabilities. Rounding errors fall on the last index with positive
// probability. It returns -1 if there is no such index.
func sampleIndex(rng *rand.Rand, probs []float64) int {
	u := rng.Float64()
	last := -1
	for ii, p := range probs {
		if p <= 0 {
			continue
		}
		last = ii
		u -= p
		if u < 0 {
			return ii
		}
	}
	return last
}

func (r *Runner) String() string {
	return fmt.Sprintf("selfplay(%s, oracle=%s, sims=%d, %s)", r.game, r.searcher.Oracle(), r.cfg.NumSimulations, r.cfg.Schedule)
}
