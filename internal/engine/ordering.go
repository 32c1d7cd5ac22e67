package engine

import (
	"github.com/hailam/nnchess/internal/position"
)

// Move ordering priorities
const (
	TTMoveScore     = 1 << 30 // TT move gets highest priority
	GoodCaptureBase = 1 << 26 // Base score for captures and promotions
	KillerScore1    = 1 << 25 // First killer move
	KillerScore2    = KillerScore1 - 1

	// historyMax caps history scores below the killer band.
	historyMax = 1 << 20
)

// pieceValue indexed by position.Piece, used for MVV-LVA and pruning margins.
var pieceValue = [7]int32{0, 100, 320, 330, 500, 900, 0}

// mvvLva scores a capture: most valuable victim first, then least valuable
// attacker.
func mvvLva(victim, attacker position.Piece) int32 {
	return pieceValue[victim]*10 - int32(attacker)
}

// MoveOrderer handles move ordering for one search worker.
type MoveOrderer struct {
	// Killer moves (quiet moves that caused beta cutoffs)
	killers [MaxPly][2]position.Move

	// History heuristic (indexed by [side][from][to])
	history [2][64][64]int32

	// seed perturbs quiet-move order on helper threads; 0 on the main one.
	seed uint32
}

// NewMoveOrderer creates a move orderer for worker id.
func NewMoveOrderer(id int) *MoveOrderer {
	return &MoveOrderer{seed: uint32(id)}
}

// Reset prepares the orderer for a new search by clearing killers and
// history.
func (mo *MoveOrderer) Reset() {
	mo.killers = [MaxPly][2]position.Move{}
	mo.history = [2][64][64]int32{}
}

// ageHistory halves every history score once one leaves the cap.
func (mo *MoveOrderer) ageHistory() {
	for c := range mo.history {
		for i := range mo.history[c] {
			for j := range mo.history[c][i] {
				mo.history[c][i][j] /= 2
			}
		}
	}
}

// ScoreMoves fills scores for moves at ply.
func (mo *MoveOrderer) ScoreMoves(pos *position.Position, moves []position.Move, scores []int32, ttMove position.Move, ply int) {
	side := pos.SideToMove()
	for i, m := range moves {
		switch {
		case m == ttMove:
			scores[i] = TTMoveScore
		case pos.IsCapture(m) || m.Promotion() != position.NoPiece:
			scores[i] = GoodCaptureBase + captureScore(pos, m)
		case ply < MaxPly && m == mo.killers[ply][0]:
			scores[i] = KillerScore1
		case ply < MaxPly && m == mo.killers[ply][1]:
			scores[i] = KillerScore2
		default:
			scores[i] = mo.history[side][m.From()][m.To()] + mo.jitter(m)
		}
	}
}

// ScoreCaptures fills scores for a capture-only move list.
func ScoreCaptures(pos *position.Position, moves []position.Move, scores []int32) {
	for i, m := range moves {
		scores[i] = captureScore(pos, m)
	}
}

func captureScore(pos *position.Position, m position.Move) int32 {
	s := mvvLva(pos.Captured(m), pos.Moved(m))
	if p := m.Promotion(); p != position.NoPiece {
		s += pieceValue[p] * 10
	}
	return s
}

// jitter returns a small move-dependent offset on helper threads so their
// quiet-move order diverges from the main thread.
func (mo *MoveOrderer) jitter(m position.Move) int32 {
	if mo.seed == 0 {
		return 0
	}
	h := (uint32(m) ^ mo.seed*0x9e3779b9) * 0x85ebca6b
	return int32(h >> 26)
}

// PickMove moves the best-scored remaining move to index i. Equal scores
// keep their original order.
func PickMove(moves []position.Move, scores []int32, i int) {
	best := i
	for j := i + 1; j < len(moves); j++ {
		if scores[j] > scores[best] {
			best = j
		}
	}
	if best != i {
		moves[i], moves[best] = moves[best], moves[i]
		scores[i], scores[best] = scores[best], scores[i]
	}
}

// UpdateKillers records a quiet move that caused a beta cutoff.
func (mo *MoveOrderer) UpdateKillers(m position.Move, ply int) {
	if ply >= MaxPly || mo.killers[ply][0] == m {
		return
	}
	mo.killers[ply][1] = mo.killers[ply][0]
	mo.killers[ply][0] = m
}

// UpdateHistory rewards the cutoff move and penalizes the quiet moves tried
// before it.
func (mo *MoveOrderer) UpdateHistory(side position.Color, best position.Move, tried []position.Move, depth int) {
	bonus := int32(depth * depth)
	h := &mo.history[side]
	h[best.From()][best.To()] += bonus
	for _, m := range tried {
		if m != best {
			h[m.From()][m.To()] -= bonus
		}
	}
	if v := h[best.From()][best.To()]; v > historyMax || v < -historyMax {
		mo.ageHistory()
	}
	for _, m := range tried {
		if v := h[m.From()][m.To()]; v < -historyMax {
			mo.ageHistory()
			break
		}
	}
}

// Killers returns the killer moves at ply.
func (mo *MoveOrderer) Killers(ply int) [2]position.Move {
	if ply >= MaxPly {
		return [2]position.Move{}
	}
	return mo.killers[ply]
}

// History returns the history score of m for side.
func (mo *MoveOrderer) History(side position.Color, m position.Move) int32 {
	return mo.history[side][m.From()][m.To()]
}
