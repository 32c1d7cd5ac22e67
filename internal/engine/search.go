package engine

import (
	"errors"
	"math"
	"time"

	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
)

// MaxPly is the deepest ply the search reaches.
const MaxPly = 128

// Polling intervals, in nodes.
const (
	stopCheckInterval = 16
	nodeCheckInterval = 1024
)

// Pruning constants
const (
	aspirationDepth  = 5
	aspirationWindow = 25
	rfpMaxDepth      = 6
	rfpMargin        = 90 // per depth
	nmpMinDepth      = 3
	lmrMinDepth      = 3
	lmrMinMoves      = 3
	deltaMargin      = 200
)

var (
	// ErrTerminalPosition is returned when the root has no legal moves.
	ErrTerminalPosition = errors.New("position has no legal moves")
	// ErrUnboundedLimits is returned when no limit would end the search.
	ErrUnboundedLimits = errors.New("search limits are unbounded")
	// ErrSearching is returned when a search is already running.
	ErrSearching = errors.New("search already running")
)

// LMR reduction table - precomputed logarithmic reductions
var lmrReductions [64][64]int

func init() {
	for d := 1; d < 64; d++ {
		for m := 1; m < 64; m++ {
			lmrReductions[d][m] = int(0.75 + math.Log(float64(d))*math.Log(float64(m))/2.25)
		}
	}
}

func lmrReduction(depth, moveNum int) int {
	return lmrReductions[min(depth, 63)][min(moveNum, 63)]
}

// SearchLimits specifies constraints on the search. Zero fields are unset.
type SearchLimits struct {
	Depth       int              // Maximum depth
	Nodes       uint64           // Maximum nodes
	MoveTime    time.Duration    // Fixed time for this move
	Time        [2]time.Duration // Remaining clock, indexed by position.Color
	Inc         [2]time.Duration // Increment per move
	MovesToGo   int              // Moves to the next time control
	Infinite    bool             // Search until stopped
	Mate        int              // Stop once a mate in this many moves is found
	SearchMoves []position.Move  // Restrict the root to these moves
}

// bounded reports whether some limit ends the search on its own, counting
// an external stop for infinite searches.
func (l SearchLimits) bounded(us position.Color) bool {
	return l.Infinite || l.Depth > 0 || l.Nodes > 0 || l.MoveTime > 0 || l.Time[us] > 0 || l.Mate > 0
}

// SearchInfo is reported once per completed depth.
type SearchInfo struct {
	Depth    int
	SelDepth int
	Score    score.Score
	Nodes    uint64
	NPS      uint64
	Time     time.Duration
	HashFull int // Permille of hash table used
	TBHits   uint64
	PV       []position.Move
}

// SearchResult is the outcome of a search.
type SearchResult struct {
	Move  position.Move
	Score score.Score
	PV    []position.Move
	Depth int
	Nodes uint64
}

// PVTable stores the principal variation.
type PVTable struct {
	length [MaxPly + 1]int
	moves  [MaxPly + 1][MaxPly + 1]position.Move
}

func (pv *PVTable) clear(ply int) { pv.length[ply] = 0 }

func (pv *PVTable) update(ply int, m position.Move) {
	pv.moves[ply][0] = m
	n := copy(pv.moves[ply][1:], pv.moves[ply+1][:pv.length[ply+1]])
	pv.length[ply] = n + 1
}

func (pv *PVTable) line() []position.Move {
	out := make([]position.Move, pv.length[0])
	copy(out, pv.moves[0][:pv.length[0]])
	return out
}
