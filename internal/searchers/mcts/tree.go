package mcts

import (
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/pkg/errors"
	"slices"
	"sync"
)

// NodeIndex addresses a node in the Tree arena.
type NodeIndex int32

const (
	// NoNode is the parent of the root.
	NoNode NodeIndex = -1

	// NoMove is the lastMove of the root node.
	NoMove = -1

	// NeutralValue is the initial qValue of the root.
	NeutralValue = game.ValueDraw
)

// ErrRootDesync is returned when re-rooting the tree to a move that has no child:
// the game and the search tree no longer agree on the board.
var ErrRootDesync = errors.New("search tree root desynchronized from the game")

// node of the search tree.
//
// The structural fields (lastMove, lastMoveColor, depth, prior, parent) are fixed at creation.
// children is set once, at expansion, under the Tree lock.
// The statistics (timesVisited, virtualLosses, qValue) are protected by mu.
type node struct {
	lastMove      int
	lastMoveColor game.Player
	depth         int
	prior         float32
	parent        NodeIndex

	// children sorted by lastMove, nil while the node is a leaf.
	children []NodeIndex
	expanded bool

	mu            sync.Mutex
	timesVisited  int
	virtualLosses int

	// qValue is the running mean of the values seen through this node, from the point-of-view of
	// lastMoveColor -- the player who chose to move here.
	qValue float32
}

type nodeStats struct {
	visits, virtualLosses int
	q, prior              float32
}

func (n *node) stats() nodeStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return nodeStats{visits: n.timesVisited, virtualLosses: n.virtualLosses, q: n.qValue, prior: n.prior}
}

// update the statistics with one more visit with value v, and releases one virtual loss if there is one.
func (n *node) update(v float32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timesVisited++
	n.qValue += (v - n.qValue) / float32(n.timesVisited)
	if n.virtualLosses > 0 {
		n.virtualLosses--
	}
}

func (n *node) addVirtualLoss() {
	n.mu.Lock()
	n.virtualLosses++
	n.mu.Unlock()
}

// Tree is the search tree, stored as an arena of nodes addressed by NodeIndex.
// The root is always at index 0.
//
// It is safe for concurrent simulations: structure changes (expansion) take the tree lock, and
// statistics are protected per node.
type Tree struct {
	mu    sync.RWMutex
	nodes []*node
}

// RootIndex is the index of the root of any Tree.
const RootIndex NodeIndex = 0

// NewTree creates a tree with only an unexpanded root, for a board where toMove is the next player.
// depth is the number of plies played in the match so far.
func NewTree(toMove game.Player, depth int) *Tree {
	return &Tree{nodes: []*node{{
		lastMove:      NoMove,
		lastMoveColor: toMove.Opponent(),
		depth:         depth,
		prior:         1,
		parent:        NoNode,
		qValue:        NeutralValue,
	}}}
}

func (t *Tree) node(idx NodeIndex) *node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[idx]
}

// NumNodes in the arena.
func (t *Tree) NumNodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// ToMove returns the player to move at the root.
func (t *Tree) ToMove() game.Player {
	return t.node(RootIndex).lastMoveColor.Opponent()
}

// IsExpanded returns whether the node has its children created.
func (t *Tree) IsExpanded(idx NodeIndex) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[idx].expanded
}

// Children returns the children of a node, sorted by move.
func (t *Tree) Children(idx NodeIndex) []NodeIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.nodes[idx].children)
}

// Child returns the child of parent reached by move. found is false if there is no such child.
func (t *Tree) Child(parent NodeIndex, move int) (child NodeIndex, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	children := t.nodes[parent].children
	pos, found := slices.BinarySearchFunc(children, move, func(idx NodeIndex, move int) int {
		return t.nodes[idx].lastMove - move
	})
	if !found {
		return NoNode, false
	}
	return children[pos], true
}

// Move returns the move that leads to the node, or NoMove for the root.
func (t *Tree) Move(idx NodeIndex) int { return t.node(idx).lastMove }

// Mover returns the player who made the move leading to the node.
func (t *Tree) Mover(idx NodeIndex) game.Player { return t.node(idx).lastMoveColor }

// Parent of the node, NoNode for the root.
func (t *Tree) Parent(idx NodeIndex) NodeIndex { return t.node(idx).parent }

// Depth of the node, in plies since the start of the match.
func (t *Tree) Depth(idx NodeIndex) int { return t.node(idx).depth }

// Prior probability of the node given by the oracle, when its parent was expanded.
func (t *Tree) Prior(idx NodeIndex) float32 { return t.node(idx).prior }

// Visits returns the number of times the node was visited.
func (t *Tree) Visits(idx NodeIndex) int { return t.node(idx).stats().visits }

// Q returns the running mean value of the node, from the point-of-view of its Mover.
func (t *Tree) Q(idx NodeIndex) float32 { return t.node(idx).stats().q }

// VirtualLosses returns the number of in-flight simulations through the node.
func (t *Tree) VirtualLosses(idx NodeIndex) int { return t.node(idx).stats().virtualLosses }

// expand creates one child per legal move, with the given priors (indexed by move).
// It returns false if the node was already expanded (by a concurrent simulation), in which case it is a no-op.
func (t *Tree) expand(idx NodeIndex, legalMoves []int, priors []float32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent := t.nodes[idx]
	if parent.expanded {
		return false
	}
	childQ := 1 - parent.stats().q
	childColor := parent.lastMoveColor.Opponent()
	parent.children = make([]NodeIndex, 0, len(legalMoves))
	for _, move := range legalMoves {
		childIdx := NodeIndex(len(t.nodes))
		t.nodes = append(t.nodes, &node{
			lastMove:      move,
			lastMoveColor: childColor,
			depth:         parent.depth + 1,
			prior:         priors[move],
			parent:        idx,
			qValue:        childQ,
		})
		parent.children = append(parent.children, childIdx)
	}
	parent.expanded = true
	return true
}

// backpropagate the leaf value v (from the point-of-view of the leaf's mover) up to the root,
// alternating the perspective at each ply.
func (t *Tree) backpropagate(leaf NodeIndex, v float32) {
	for idx := leaf; idx != NoNode; {
		n := t.node(idx)
		n.update(v)
		v = 1 - v
		idx = n.parent
	}
}

// Advance returns a new tree rooted on the child reached by move, keeping all the statistics of
// that sub-tree. The rest of the tree is discarded.
//
// If there is no such child it returns ErrRootDesync: the caller should treat this as fatal.
func (t *Tree) Advance(move int) (*Tree, error) {
	childIdx, found := t.Child(RootIndex, move)
	if !found {
		return nil, errors.Wrapf(ErrRootDesync, "move %d has no child at the root (expanded=%v, %d children)",
			move, t.IsExpanded(RootIndex), len(t.Children(RootIndex)))
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	newTree := &Tree{}
	oldToNew := map[NodeIndex]NodeIndex{childIdx: RootIndex}
	queue := []NodeIndex{childIdx}
	for len(queue) > 0 {
		oldIdx := queue[0]
		queue = queue[1:]
		old := t.nodes[oldIdx]
		stats := old.stats()
		newNode := &node{
			lastMove:      old.lastMove,
			lastMoveColor: old.lastMoveColor,
			depth:         old.depth,
			prior:         old.prior,
			parent:        NoNode,
			expanded:      old.expanded,
			timesVisited:  stats.visits,
			virtualLosses: stats.virtualLosses,
			qValue:        stats.q,
		}
		if oldIdx != childIdx {
			newNode.parent = oldToNew[old.parent]
		}
		newTree.nodes = append(newTree.nodes, newNode)
		if len(old.children) > 0 {
			newNode.children = make([]NodeIndex, len(old.children))
			// Children indices are assigned in BFS order.
			for ii, oldChild := range old.children {
				newChildIdx := NodeIndex(len(newTree.nodes) + len(queue) + ii)
				oldToNew[oldChild] = newChildIdx
				newNode.children[ii] = newChildIdx
			}
			queue = append(queue, old.children...)
		}
	}
	return newTree, nil
}
