// Package game defines the capabilities a game must provide to be searched and self-played:
// boards, moves, terminal conditions, outcome values and board symmetries.
//
// The concrete rules of a game live elsewhere (see subpackage mnk for a reference one), the
// search and self-play engines only talk to the Game interface.
package game

import (
	"encoding/binary"
	"fmt"
	"github.com/zeebo/xxh3"
	"math"
)

// Player is the player to move, or the player who made a move.
type Player int8

const (
	PlayerFirst Player = iota
	PlayerSecond

	// PlayerNone is used for "no player", e.g.: the winner of a draw.
	PlayerNone Player = -1
)

// NumPlayers supported: only 2-players, alternating turns, games.
const NumPlayers = 2

// Opponent returns the other player.
func (p Player) Opponent() Player {
	switch p {
	case PlayerFirst:
		return PlayerSecond
	case PlayerSecond:
		return PlayerFirst
	}
	return PlayerNone
}

// String implements fmt.Stringer.
func (p Player) String() string {
	switch p {
	case PlayerFirst:
		return "First"
	case PlayerSecond:
		return "Second"
	case PlayerNone:
		return "None"
	}
	return fmt.Sprintf("Player(%d)", int8(p))
}

// Outcome values, always from the point-of-view of some player.
const (
	ValueLoss = float32(0)
	ValueDraw = float32(0.5)
	ValueWin  = float32(1)
)

// ValueFor returns the outcome value for perspective, given the winner of the game.
// A winner of PlayerNone means a draw.
func ValueFor(winner, perspective Player) float32 {
	if winner == PlayerNone {
		return ValueDraw
	}
	if winner == perspective {
		return ValueWin
	}
	return ValueLoss
}

// Fingerprint identifies a board: it is a 128 bits content hash of the board tensor.
//
// It is immutable and comparable, and should be used as key wherever a board needs to be looked up,
// instead of the (mutable) tensor itself.
type Fingerprint struct {
	Hi, Lo uint64
}

// FingerprintOf hashes the board tensor.
//
// Boards that are strategically identical must have identical tensors, so they get the same fingerprint.
// Negative zero is normalized to zero.
func FingerprintOf(tensor []float32) Fingerprint {
	buf := make([]byte, 4*len(tensor))
	for ii, v := range tensor {
		if v == 0 {
			v = 0
		}
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	h := xxh3.Hash128(buf)
	return Fingerprint{Hi: h.Hi, Lo: h.Lo}
}

// Less defines an arbitrary but stable ordering of fingerprints.
func (fp Fingerprint) Less(other Fingerprint) bool {
	if fp.Hi != other.Hi {
		return fp.Hi < other.Hi
	}
	return fp.Lo < other.Lo
}

// Compare returns -1, 0 or +1, following Less.
func (fp Fingerprint) Compare(other Fingerprint) int {
	switch {
	case fp == other:
		return 0
	case fp.Less(other):
		return -1
	}
	return 1
}

// String returns the fingerprint in hexadecimal.
func (fp Fingerprint) String() string {
	return fmt.Sprintf("%016x%016x", fp.Hi, fp.Lo)
}

// Board is an opaque game position.
// The engine only needs its tensor representation (fed to the oracle) and its fingerprint.
type Board interface {
	// Tensor is the raw board representation fed to the oracle. It must not be modified.
	Tensor() []float32

	// Fingerprint of the board: usually FingerprintOf(Tensor()), cached.
	Fingerprint() Fingerprint
}

// Game is the set of rules of a game, consumed by the search and self-play engines.
//
// Implementations can hold per-match state, hence NewInstance: each self-play episode
// works on its own instance.
type Game interface {
	// ActionSize is the total number of actions (moves) of the game: policies have this length.
	ActionSize() int

	// InitialBoard of a match. PlayerFirst moves first.
	InitialBoard() Board

	// LegalMoveMask returns a mask of length ActionSize, true for the legal moves of player.
	LegalMoveMask(board Board, player Player) []bool

	// LegalMoveIndices returns the legal moves of player, in increasing order.
	LegalMoveIndices(board Board, player Player) []int

	// ApplyMove returns the new board after player takes move. The given board is not modified.
	ApplyMove(board Board, move int, player Player) (Board, error)

	// IsTerminal returns whether the match is over.
	IsTerminal(board Board) bool

	// OutcomeValue of a terminal board, from the perspective player: ValueWin, ValueLoss or ValueDraw.
	OutcomeValue(board Board, perspective Player) float32

	// Symmetries returns the training examples equivalent to (board, policy), including the
	// board itself. Value is left to be filled once the match is over.
	Symmetries(board Board, policy []float32, player Player, iteration int) []Example

	// NewInstance returns a fresh Game for a new match.
	NewInstance() Game

	// String returns the game name and parameters.
	String() string
}

// Example is one training target.
//
// Two examples are the same example if they have the same Fingerprint: all other fields are
// the labels associated to the board.
type Example struct {
	Fingerprint Fingerprint

	// Board tensor, see Board.Tensor.
	Board []float32

	// Player to move on the board.
	Player Player

	// Policy is a probability distribution over all ActionSize actions.
	Policy []float32

	// Value is the outcome of the match from the point-of-view of Player: 1 for a win, 0 for a loss
	// and 0.5 for a draw -- or some average of those.
	Value float32

	// Iteration of the self-play that produced the example.
	Iteration int
}

// NewExample creates an example for the board, with the value yet to be set.
func NewExample(board Board, player Player, policy []float32, iteration int) Example {
	return Example{
		Fingerprint: board.Fingerprint(),
		Board:       board.Tensor(),
		Player:      player,
		Policy:      policy,
		Value:       ValueDraw,
		Iteration:   iteration,
	}
}

// LegalIndices converts a legal moves mask to the list of indices.
func LegalIndices(mask []bool) []int {
	indices := make([]int, 0, len(mask))
	for ii, legal := range mask {
		if legal {
			indices = append(indices, ii)
		}
	}
	return indices
}
