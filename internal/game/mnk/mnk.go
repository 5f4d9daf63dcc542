// Package mnk implements the m,n,k-game family (tic-tac-toe is the 3,3,3 game, gomoku the 15,15,5)
// as a game.Game.
//
// It is the reference game used by tests and by the trainer command line.
package mnk

import (
	"fmt"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/parameters"
	"github.com/pkg/errors"
	"strings"
)

// Cell values. The tensor uses +1 for the first player stones, -1 for the second player.
const (
	Empty  = int8(0)
	First  = int8(1)
	Second = int8(-1)
)

// Game of m rows, n columns where k in a row wins.
type Game struct {
	M, N, K int
}

var _ game.Game = (*Game)(nil)

// New returns an m,n,k-game. It returns an error for non-sensical sizes.
func New(m, n, k int) (*Game, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return nil, errors.Errorf("invalid m,n,k-game dimensions (%d, %d, %d)", m, n, k)
	}
	if k > m && k > n {
		return nil, errors.Errorf("k=%d larger than both board dimensions %dx%d: nobody can ever win", k, m, n)
	}
	return &Game{M: m, N: n, K: k}, nil
}

// NewFromConfig parses a game configuration in the form "mnk:m=<rows>,n=<cols>,k=<in a row>".
// Missing dimensions default to 3.
func NewFromConfig(config string) (*Game, error) {
	name, paramsConfig, _ := strings.Cut(config, ":")
	if name != "mnk" {
		return nil, errors.Errorf("unknown game %q, only \"mnk\" is supported", name)
	}
	params := parameters.NewFromConfigString(paramsConfig)
	m, err := parameters.PopParamOr(params, "m", 3)
	if err != nil {
		return nil, err
	}
	n, err := parameters.PopParamOr(params, "n", 3)
	if err != nil {
		return nil, err
	}
	k, err := parameters.PopParamOr(params, "k", 3)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown game parameters %v", parameters.Keys(params))
	}
	return New(m, n, k)
}

// NewTicTacToe returns the 3,3,3 game.
func NewTicTacToe() *Game {
	return &Game{M: 3, N: 3, K: 3}
}

// Board of an m,n,k-game.
type Board struct {
	m, n   int
	cells  []int8
	tensor []float32
	fp     game.Fingerprint
	winner game.Player
	full   bool
}

var _ game.Board = (*Board)(nil)

func (g *Game) newBoard(cells []int8) *Board {
	b := &Board{m: g.M, n: g.N, cells: cells, winner: game.PlayerNone}
	b.tensor = make([]float32, len(cells))
	b.full = true
	for ii, c := range cells {
		b.tensor[ii] = float32(c)
		if c == Empty {
			b.full = false
		}
	}
	b.fp = game.FingerprintOf(b.tensor)
	b.winner = g.findWinner(cells)
	return b
}

// BoardFromCells creates a board with the given cells (row-major, length M*N).
func (g *Game) BoardFromCells(cells []int8) (*Board, error) {
	if len(cells) != g.M*g.N {
		return nil, errors.Errorf("%s: expected %d cells, got %d", g, g.M*g.N, len(cells))
	}
	for ii, c := range cells {
		if c != Empty && c != First && c != Second {
			return nil, errors.Errorf("%s: invalid value %d for cell %d", g, c, ii)
		}
	}
	return g.newBoard(append([]int8(nil), cells...)), nil
}

// BoardFromString parses a board drawn with 'X' (first player), 'O' (second player) and '.' (empty),
// ignoring spaces and new lines.
func (g *Game) BoardFromString(s string) (*Board, error) {
	cells := make([]int8, 0, g.M*g.N)
	for _, r := range s {
		switch r {
		case 'X', 'x':
			cells = append(cells, First)
		case 'O', 'o':
			cells = append(cells, Second)
		case '.', '-':
			cells = append(cells, Empty)
		case ' ', '\n', '\t':
		default:
			return nil, errors.Errorf("invalid board character %q", r)
		}
	}
	return g.BoardFromCells(cells)
}

// Tensor implements game.Board.
func (b *Board) Tensor() []float32 { return b.tensor }

// Fingerprint implements game.Board.
func (b *Board) Fingerprint() game.Fingerprint { return b.fp }

// Winner returns the winner, or game.PlayerNone if there is none (yet).
func (b *Board) Winner() game.Player { return b.winner }

// String draws the board.
func (b *Board) String() string {
	var sb strings.Builder
	for row := range b.m {
		for col := range b.n {
			switch b.cells[row*b.n+col] {
			case First:
				sb.WriteByte('X')
			case Second:
				sb.WriteByte('O')
			default:
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func playerStone(p game.Player) int8 {
	if p == game.PlayerFirst {
		return First
	}
	return Second
}

func (g *Game) findWinner(cells []int8) game.Player {
	directions := [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}
	for row := range g.M {
		for col := range g.N {
			stone := cells[row*g.N+col]
			if stone == Empty {
				continue
			}
			for _, d := range directions {
				count := 1
				r, c := row+d[0], col+d[1]
				for count < g.K && r >= 0 && r < g.M && c >= 0 && c < g.N && cells[r*g.N+c] == stone {
					count++
					r, c = r+d[0], c+d[1]
				}
				if count >= g.K {
					if stone == First {
						return game.PlayerFirst
					}
					return game.PlayerSecond
				}
			}
		}
	}
	return game.PlayerNone
}

func (g *Game) asBoard(b game.Board) *Board {
	board, ok := b.(*Board)
	if !ok {
		panic(errors.Errorf("%s: board of type %T is not an mnk board", g, b))
	}
	return board
}

// ActionSize implements game.Game: one action per cell.
func (g *Game) ActionSize() int { return g.M * g.N }

// InitialBoard implements game.Game.
func (g *Game) InitialBoard() game.Board {
	return g.newBoard(make([]int8, g.M*g.N))
}

// LegalMoveMask implements game.Game.
func (g *Game) LegalMoveMask(b game.Board, _ game.Player) []bool {
	board := g.asBoard(b)
	mask := make([]bool, len(board.cells))
	if board.winner != game.PlayerNone {
		return mask
	}
	for ii, c := range board.cells {
		mask[ii] = c == Empty
	}
	return mask
}

// LegalMoveIndices implements game.Game.
func (g *Game) LegalMoveIndices(b game.Board, player game.Player) []int {
	return game.LegalIndices(g.LegalMoveMask(b, player))
}

// ApplyMove implements game.Game.
func (g *Game) ApplyMove(b game.Board, move int, player game.Player) (game.Board, error) {
	board := g.asBoard(b)
	if move < 0 || move >= len(board.cells) {
		return nil, errors.Errorf("%s: move %d out of range", g, move)
	}
	if board.cells[move] != Empty {
		return nil, errors.Errorf("%s: move %d on an occupied cell", g, move)
	}
	if board.winner != game.PlayerNone {
		return nil, errors.Errorf("%s: move %d after the match is over", g, move)
	}
	if player != game.PlayerFirst && player != game.PlayerSecond {
		return nil, errors.Errorf("%s: invalid player %s", g, player)
	}
	cells := append([]int8(nil), board.cells...)
	cells[move] = playerStone(player)
	return g.newBoard(cells), nil
}

// IsTerminal implements game.Game.
func (g *Game) IsTerminal(b game.Board) bool {
	board := g.asBoard(b)
	return board.winner != game.PlayerNone || board.full
}

// OutcomeValue implements game.Game.
func (g *Game) OutcomeValue(b game.Board, perspective game.Player) float32 {
	return game.ValueFor(g.asBoard(b).winner, perspective)
}

// transform maps a (row, col) to a new position.
type transform func(row, col int) (int, int)

func (g *Game) transforms() []transform {
	m, n := g.M, g.N
	ts := []transform{
		func(r, c int) (int, int) { return r, c },
		func(r, c int) (int, int) { return r, n - 1 - c },
		func(r, c int) (int, int) { return m - 1 - r, c },
		func(r, c int) (int, int) { return m - 1 - r, n - 1 - c },
	}
	if m == n {
		ts = append(ts,
			func(r, c int) (int, int) { return c, r },
			func(r, c int) (int, int) { return n - 1 - c, m - 1 - r },
			func(r, c int) (int, int) { return c, m - 1 - r },
			func(r, c int) (int, int) { return n - 1 - c, r },
		)
	}
	return ts
}

// Symmetries implements game.Game: the rotations and reflections of the board that keep its shape.
// Symmetric positions that end up identical are returned only once.
func (g *Game) Symmetries(b game.Board, policy []float32, player game.Player, iteration int) []game.Example {
	board := g.asBoard(b)
	transforms := g.transforms()
	examples := make([]game.Example, 0, len(transforms))
	seen := make(map[game.Fingerprint]bool, len(transforms))
	for _, t := range transforms {
		cells := make([]int8, len(board.cells))
		var newPolicy []float32
		if policy != nil {
			newPolicy = make([]float32, len(policy))
		}
		for row := range g.M {
			for col := range g.N {
				r, c := t(row, col)
				cells[r*g.N+c] = board.cells[row*g.N+col]
				if newPolicy != nil {
					newPolicy[r*g.N+c] = policy[row*g.N+col]
				}
			}
		}
		symBoard := g.newBoard(cells)
		if seen[symBoard.fp] {
			continue
		}
		seen[symBoard.fp] = true
		examples = append(examples, game.NewExample(symBoard, player, newPolicy, iteration))
	}
	return examples
}

// NewInstance implements game.Game. Game holds no per-match state, so it returns itself.
func (g *Game) NewInstance() game.Game { return g }

// String implements game.Game.
func (g *Game) String() string {
	return fmt.Sprintf("mnk(%d,%d,%d)", g.M, g.N, g.K)
}
