// Package mcts is a Monte Carlo Tree Search implementation of the Alpha-Zero algorithm: the
// search is guided by an oracle (ai.Oracle) that gives the prior probability of each move and
// an estimate of the value of the leaf positions, instead of random rollouts.
//
// References used, since the original paper doesn't actually provide the formulas:
//
//   - https://suragnair.github.io/posts/alphazero.html by Surag Nair
//   - Paper here: https://github.com/suragnair/alpha-zero-general/blob/master/pretrained_models/writeup.pdf
//   - https://web.stanford.edu/class/archive/cs/cs221/cs221.1196/sections/Section5.pdf
//
// AlphaZero original paper -- that mostly talks about its successes but not the actual
// formula:
//
//   - Mastering Chess and Shogi by Self-Play with a General Reinforcement Learning Algorithm
//     https://arxiv.org/abs/1712.01815
//
// Values are kept in the range [0, 1] (see game.ValueWin), and every node holds its value from the
// point-of-view of the player who moved into it. So going up one ply the value v becomes 1-v.
package mcts

import (
	"context"
	"github.com/chewxy/math32"
	"github.com/janpfeifer/a0selfplay/internal/ai"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Searcher runs simulations on a Tree, using an oracle and a game.
//
// A Searcher is meant to be used by one match (episode) at a time: its random number generator
// is seeded per episode. Simulations within one Search may run concurrently (Options.SearchThreads).
type Searcher struct {
	game   game.Game
	oracle ai.Oracle
	opts   Options

	muRng sync.Mutex
	rng   *rand.Rand
}

// New creates a Searcher. If rng is nil a randomly seeded one is created.
func New(g game.Game, oracle ai.Oracle, opts Options, rng *rand.Rand) (*Searcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Searcher{game: g, oracle: oracle, opts: opts, rng: rng}, nil
}

// Oracle used by the searcher.
func (s *Searcher) Oracle() ai.Oracle { return s.oracle }

// Options used by the searcher.
func (s *Searcher) Options() Options { return s.opts }

// WithOracle returns a clone of the searcher using a different oracle. The random number generator is shared.
func (s *Searcher) WithOracle(oracle ai.Oracle) *Searcher {
	return &Searcher{game: s.game, oracle: oracle, opts: s.opts, rng: s.rng}
}

func (s *Searcher) shuffle(indices []NodeIndex) {
	s.muRng.Lock()
	defer s.muRng.Unlock()
	s.rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
}

func (s *Searcher) intN(n int) int {
	s.muRng.Lock()
	defer s.muRng.Unlock()
	return s.rng.IntN(n)
}

type searchStats struct {
	numExpansions atomic.Int64
}

// Search runs numSimulations simulations from the root of the tree, whose position is board, and returns
// the resulting action distribution over all ActionSize moves, with the given temperature.
//
// The tree may have statistics from previous searches (see Tree.Advance): they are kept and added to.
func (s *Searcher) Search(ctx context.Context, tree *Tree, board game.Board, numSimulations int, temperature float32) ([]float32, error) {
	if s.game.IsTerminal(board) {
		return nil, errors.Errorf("mcts: cannot search a finished match")
	}
	if numSimulations <= 0 {
		return nil, errors.Errorf("mcts: invalid number of simulations %d", numSimulations)
	}
	if temperature < 0 {
		return nil, errors.Errorf("mcts: invalid temperature %g", temperature)
	}
	var stats searchStats
	start := time.Now()
	if s.opts.SearchThreads <= 1 {
		for range numSimulations {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.safeSimulate(tree, board, &stats); err != nil {
				return nil, err
			}
		}
	} else {
		var remaining atomic.Int64
		remaining.Store(int64(numSimulations))
		group, groupCtx := errgroup.WithContext(ctx)
		for range min(s.opts.SearchThreads, numSimulations) {
			group.Go(func() error {
				for remaining.Add(-1) >= 0 {
					if err := groupCtx.Err(); err != nil {
						return err
					}
					if err := s.safeSimulate(tree, board, &stats); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
	}
	if klog.V(2).Enabled() {
		elapsed := time.Since(start)
		klog.Infof("Search at depth %d: %d simulations, %d expansions, %.1f simulations/s",
			tree.Depth(RootIndex), numSimulations, stats.numExpansions.Load(),
			float64(numSimulations)/elapsed.Seconds())
	}
	return s.Distribution(tree, temperature)
}

// safeSimulate runs simulate, converting panics from the game or the oracle into errors.
func (s *Searcher) safeSimulate(tree *Tree, board game.Board, stats *searchStats) (err error) {
	if panicErr := game.TryCatch(func() { err = s.simulate(tree, board, stats) }); panicErr != nil {
		return errors.WithMessagef(panicErr, "mcts: simulation with oracle %s", s.oracle)
	}
	return err
}

// simulate runs one selection, expansion and backpropagation pass.
func (s *Searcher) simulate(tree *Tree, board game.Board, stats *searchStats) error {
	idx := RootIndex
	for tree.IsExpanded(idx) {
		childIdx, err := s.selectChild(tree, idx)
		if err != nil {
			return err
		}
		board, err = s.game.ApplyMove(board, tree.Move(childIdx), tree.Mover(childIdx))
		if err != nil {
			return errors.WithMessagef(err, "mcts: failed to apply move %d during selection", tree.Move(childIdx))
		}
		idx = childIdx
	}

	mover := tree.Mover(idx)
	var value float32
	if s.game.IsTerminal(board) {
		value = s.game.OutcomeValue(board, mover)
	} else {
		var err error
		value, err = s.expand(tree, idx, board, mover.Opponent(), stats)
		if err != nil {
			return err
		}
	}
	tree.backpropagate(idx, value)
	return nil
}

// selectChild picks the child with the largest upper confidence bound and adds a virtual loss to it.
// Candidates are shuffled first, so ties are broken randomly.
func (s *Searcher) selectChild(tree *Tree, idx NodeIndex) (NodeIndex, error) {
	children := tree.Children(idx)
	if len(children) == 0 {
		return NoNode, errors.Errorf("mcts: expanded node at depth %d has no children but its board is not terminal",
			tree.Depth(idx))
	}
	s.shuffle(children)
	sqrtParentVisits := math32.Sqrt(float32(tree.Visits(idx)))
	best := NoNode
	bestValue := math32.Inf(-1)
	for _, childIdx := range children {
		child := tree.node(childIdx).stats()
		value := child.q + s.opts.CPuct*child.prior*sqrtParentVisits/float32(1+child.visits+child.virtualLosses)
		if value > bestValue {
			best = childIdx
			bestValue = value
		}
	}
	if best == NoNode {
		// Only possible with NaNs coming from the oracle.
		return NoNode, errors.Errorf("mcts: no child selected at depth %d, invalid (NaN?) values or priors", tree.Depth(idx))
	}
	tree.node(best).addVirtualLoss()
	return best, nil
}

// expand the leaf at idx using the oracle, and returns the value to backpropagate, from the point-of-view
// of the player who moved into the leaf.
func (s *Searcher) expand(tree *Tree, idx NodeIndex, board game.Board, toMove game.Player, stats *searchStats) (float32, error) {
	policy, value, err := s.oracle.Infer(board.Tensor())
	if err != nil {
		return 0, errors.WithMessagef(err, "mcts: oracle %s failed", s.oracle)
	}
	actionSize := s.game.ActionSize()
	if len(policy) != actionSize {
		return 0, errors.Errorf("mcts: oracle %s returned policy of length %d, game %s has %d actions",
			s.oracle, len(policy), s.game, actionSize)
	}
	mask := s.game.LegalMoveMask(board, toMove)
	legalMoves := game.LegalIndices(mask)
	if len(legalMoves) == 0 {
		return 0, errors.Errorf("mcts: game %s has no legal moves for %s, but board is not terminal", s.game, toMove)
	}
	priors := MaskPolicy(policy, mask)
	if tree.expand(idx, legalMoves, priors) {
		stats.numExpansions.Add(1)
	}
	// The oracle value is for the player to move, the node holds the value of the player who moved into it.
	return 1 - value, nil
}

// MaskPolicy zeroes the probability of illegal moves and renormalizes the rest.
// If the legal moves have no probability mass, it falls back to a uniform distribution over the legal moves.
func MaskPolicy(policy []float32, mask []bool) []float32 {
	masked := make([]float32, len(policy))
	var sum float32
	var numLegal int
	for action, legal := range mask {
		if legal {
			numLegal++
			if p := policy[action]; p > 0 {
				masked[action] = p
				sum += p
			}
		}
	}
	if numLegal == 0 {
		return masked
	}
	if sum == 0 {
		klog.V(1).Infof("Oracle assigned no probability to any of the %d legal moves, using uniform priors", numLegal)
		for action, legal := range mask {
			if legal {
				masked[action] = 1 / float32(numLegal)
			}
		}
		return masked
	}
	for action := range masked {
		masked[action] /= sum
	}
	return masked
}

// Distribution returns the action distribution derived from the visit counts of the children of the root.
//
// For temperature 0 it is a one-hot vector on the most visited move, ties broken randomly.
// Otherwise, it is proportional to visits^(1/temperature), computed in log-space. Illegal moves (no child)
// get probability 0.
func (s *Searcher) Distribution(tree *Tree, temperature float32) ([]float32, error) {
	children := tree.Children(RootIndex)
	if len(children) == 0 {
		return nil, errors.Errorf("mcts: root has no children, was the search run?")
	}
	actionSize := s.game.ActionSize()
	dist := make([]float32, actionSize)
	visits := make([]int, len(children))
	for ii, childIdx := range children {
		visits[ii] = tree.Visits(childIdx)
	}

	if temperature == 0 {
		maxVisits := -1
		var best []int
		for ii, v := range visits {
			if v > maxVisits {
				maxVisits = v
				best = best[:0]
			}
			if v == maxVisits {
				best = append(best, ii)
			}
		}
		selected := best[0]
		if len(best) > 1 {
			selected = best[s.intN(len(best))]
		}
		dist[tree.Move(children[selected])] = 1
		return dist, nil
	}

	invTemperature := 1 / temperature
	logits := make([]float32, len(children))
	maxLogit := math32.Inf(-1)
	for ii, v := range visits {
		logits[ii] = invTemperature * math32.Log(float32(v)+s.opts.Epsilon)
		maxLogit = max(maxLogit, logits[ii])
	}
	var sum float32
	for ii := range logits {
		logits[ii] = math32.Exp(logits[ii] - maxLogit)
		sum += logits[ii]
	}
	for ii, childIdx := range children {
		dist[tree.Move(childIdx)] = logits[ii] / sum
	}
	return dist, nil
}
