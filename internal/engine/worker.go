package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
	"github.com/hailam/nnchess/internal/tablebase"
)

// maxMoves bounds the legal moves of any chess position.
const maxMoves = 256

// Worker runs one iterative-deepening search for Lazy SMP.
// Each worker owns its position and move ordering; the transposition table
// and evaluator are shared.
type Worker struct {
	id int
	s  *searchState

	pos     *position.Position
	orderer *MoveOrderer
	pv      PVTable

	nodes    atomic.Uint64
	tbHits   atomic.Uint64
	selDepth int

	// interruptible is false while the first iteration of the main worker
	// runs, so that a move is always available.
	interruptible bool
	stopped       bool

	rootMoves []position.Move
	rootBest  position.Move

	scoreBuf [MaxPly + 1][maxMoves]int32
}

func newWorker(id int, s *searchState, pos *position.Position, orderer *MoveOrderer) *Worker {
	w := &Worker{
		id:            id,
		s:             s,
		pos:           pos.Clone(),
		orderer:       orderer,
		interruptible: true,
	}
	w.rootMoves = append([]position.Move(nil), s.rootMoves...)
	return w
}

// ID returns the worker's ID.
func (w *Worker) ID() int {
	return w.id
}

// Nodes returns the number of nodes searched by this worker.
func (w *Worker) Nodes() uint64 {
	return w.nodes.Load()
}

// iterate runs iterative deepening until a limit or the stop flag ends it.
func (w *Worker) iterate() {
	s := w.s
	maxDepth := MaxPly - 1
	if s.limits.Depth > 0 {
		maxDepth = min(s.limits.Depth, maxDepth)
	}

	// Helpers start at staggered depths.
	start := 1
	if w.id > 0 {
		start = 1 + w.id%2
	}

	var prev score.Score
	for depth := start; depth <= maxDepth; depth++ {
		if depth > start && s.stop.Load() {
			break
		}
		w.interruptible = !(w.id == 0 && depth == 1)
		w.selDepth = 0

		v := w.aspiration(depth, prev)
		if w.stopped {
			break
		}
		prev = v
		pv := w.extendPV(w.pv.line())
		w.rootBest = pv[0]
		s.complete(w, depth, v, pv)

		if w.id != 0 {
			continue
		}
		s.report(w, depth, v, pv)
		if w.finished(depth, v) {
			break
		}
	}

	if w.id == 0 {
		if s.limits.Infinite {
			<-s.stopCh
		}
		s.requestStop()
	}
}

// extendPV appends the hash move of the position after a one-move line, so
// a reply can be offered for pondering. Hash moves may belong to a
// colliding key and are checked for legality first.
func (w *Worker) extendPV(pv []position.Move) []position.Move {
	if len(pv) != 1 {
		return pv
	}
	w.pos.Make(pv[0])
	defer w.pos.Unmake()
	if e, ok := w.s.tt.Probe(w.pos.Hash()); ok && w.pos.IsLegal(e.Move) {
		pv = append(pv, e.Move)
	}
	return pv
}

// finished reports whether the main worker should stop after completing
// depth with value v.
func (w *Worker) finished(depth int, v score.Score) bool {
	s := w.s
	if s.stop.Load() {
		return true
	}
	if s.limits.Nodes > 0 && s.totalNodes() >= s.limits.Nodes {
		return true
	}
	if s.limits.Mate > 0 {
		if n := v.MateMoves(); n > 0 && n <= s.limits.Mate {
			return true
		}
	}
	if s.limits.Infinite {
		return false
	}
	if v.IsMate() && int(score.Mate-abs(v)) <= depth {
		return true
	}
	if s.tm.HardTime() > 0 {
		if len(w.rootMoves) == 1 || s.tm.PastSoft() {
			return true
		}
	}
	return false
}

func abs(s score.Score) score.Score {
	if s < 0 {
		return -s
	}
	return s
}

// aspiration searches depth with a window around prev, widening it on
// failure.
func (w *Worker) aspiration(depth int, prev score.Score) score.Score {
	alpha, beta := -score.Infinite, score.Infinite
	delta := score.Score(aspirationWindow)
	if depth >= aspirationDepth && !prev.IsDecisive() {
		alpha = max(prev-delta, -score.Infinite)
		beta = min(prev+delta, score.Infinite)
	}

	for {
		v := w.negamax(depth, 0, alpha, beta, false)
		if w.stopped {
			return 0
		}
		switch {
		case v <= alpha:
			alpha = max(alpha-delta, -score.Infinite)
		case v >= beta:
			beta = min(beta+delta, score.Infinite)
		default:
			return v
		}
		delta *= 2
		if delta > 1000 {
			alpha, beta = -score.Infinite, score.Infinite
		}
	}
}

// checkStop counts a node and polls the stop conditions at a fixed node
// interval.
func (w *Worker) checkStop() bool {
	if w.stopped {
		return true
	}
	n := w.nodes.Add(1)
	if !w.interruptible {
		return false
	}
	if n%stopCheckInterval == 0 && w.s.stop.Load() {
		w.stopped = true
	}
	if n%nodeCheckInterval == 0 && w.s.limits.Nodes > 0 && w.s.totalNodes() >= w.s.limits.Nodes {
		w.s.requestStop()
		w.stopped = true
	}
	return w.stopped
}

// evaluate scores the current position. Evaluator failures that are not
// caused by a stop fall back to material counting. Once a stop is pending
// during an iteration that must finish, the evaluator is skipped.
func (w *Worker) evaluate() score.Score {
	s := w.s
	if !w.interruptible && s.stop.Load() {
		return materialEval(w.pos)
	}
	v, err := s.eval.Evaluate(s.evalCtx, w.pos)
	if err == nil {
		return score.Clamp(int(v))
	}
	if s.evalCtx.Err() != nil || s.stop.Load() {
		if w.interruptible {
			w.stopped = true
			return 0
		}
		return materialEval(w.pos)
	}
	s.evalFailed(err)
	return materialEval(w.pos)
}

// materialEval is a plain material count from the side to move.
func materialEval(pos *position.Position) score.Score {
	us := pos.SideToMove()
	var v int32
	for sq := uint8(0); sq < 64; sq++ {
		p, c, ok := pos.PieceAt(sq)
		if !ok {
			continue
		}
		if c == us {
			v += pieceValue[p]
		} else {
			v -= pieceValue[p]
		}
	}
	return score.Clamp(int(v))
}

func (w *Worker) isDraw() bool {
	pos := w.pos
	if pos.IsRepetition() || pos.IsInsufficientMaterial() {
		return true
	}
	// Mate on the hundredth half-move still counts.
	return pos.IsFiftyMoveDraw() && !(pos.InCheck() && len(pos.LegalMoves()) == 0)
}

// asyncProber is implemented by probers that can answer from memory without
// blocking and resolve misses in the background.
type asyncProber interface {
	ProbeAsync(pos *position.Position) (tablebase.ProbeResult, error)
}

// probe consults the tablebase gate. Probers that may block on slow
// lookups are only asked for results they already hold.
func (w *Worker) probe(ply int) (score.Score, bool) {
	s := w.s
	if !s.gateOn || w.pos.PieceCount() > s.maxPieces {
		return 0, false
	}
	var res tablebase.ProbeResult
	var err error
	if ap, ok := s.prober.(asyncProber); ok {
		res, err = ap.ProbeAsync(w.pos)
	} else {
		res, err = s.prober.Probe(s.evalCtx, w.pos)
	}
	if err != nil {
		if !errors.Is(err, tablebase.ErrNotFound) && !errors.Is(err, context.Canceled) {
			s.probeFailed(err)
		}
		return 0, false
	}
	w.tbHits.Add(1)
	return tablebase.WDLToScore(res.WDL, ply), true
}

// negamax is the principal variation search.
func (w *Worker) negamax(depth, ply int, alpha, beta score.Score, allowNull bool) score.Score {
	w.pv.clear(ply)
	if w.checkStop() {
		return 0
	}
	if ply > w.selDepth {
		w.selDepth = ply
	}

	pos := w.pos
	root := ply == 0
	pvNode := beta-alpha > 1

	if !root {
		if w.isDraw() {
			return score.Draw
		}
		if ply >= MaxPly {
			return w.evaluate()
		}

		// Mate distance pruning
		alpha = max(alpha, score.MatedIn(ply))
		beta = min(beta, score.MateIn(ply+1))
		if alpha >= beta {
			return alpha
		}
	}

	// Transposition table
	key := pos.Hash()
	var ttMove position.Move
	if e, ok := w.s.tt.Probe(key); ok {
		ttMove = e.Move
		if !pvNode && !root && e.Depth >= depth {
			v := e.Score.FromTT(ply)
			switch {
			case e.Bound == BoundExact,
				e.Bound == BoundLower && v >= beta,
				e.Bound == BoundUpper && v <= alpha:
				return v
			}
		}
	}
	if root && w.rootBest != position.NoMove {
		ttMove = w.rootBest
	}

	// Tablebase gate
	if !root {
		if v, ok := w.probe(ply); ok {
			w.s.tt.Store(key, position.NoMove, v.ToTT(ply), MaxPly-1, BoundExact)
			return v
		}
	}

	if depth <= 0 {
		return w.qsearch(ply, alpha, beta)
	}

	inCheck := pos.InCheck()

	if !pvNode && !inCheck && !beta.IsDecisive() {
		staticEval := w.evaluate()
		if w.stopped {
			return 0
		}

		// Reverse futility pruning
		if depth <= rfpMaxDepth && staticEval-score.Score(rfpMargin*depth) >= beta {
			return staticEval
		}

		// Null move pruning
		if allowNull && depth >= nmpMinDepth && staticEval >= beta && pos.HasNonPawnMaterial() {
			r := 3 + depth/4
			pos.MakeNull()
			v := -w.negamax(depth-1-r, ply+1, -beta, -beta+1, false)
			pos.Unmake()
			if w.stopped {
				return 0
			}
			if v >= beta {
				if v.IsDecisive() {
					v = beta
				}
				if depth < 8 {
					return v
				}
				// Verify deep cutoffs with a reduced search without null move.
				if vv := w.negamax(depth-r, ply, beta-1, beta, false); !w.stopped && vv >= beta {
					return v
				}
				if w.stopped {
					return 0
				}
			}
		}
	}

	var moves []position.Move
	if root {
		moves = append(moves, w.rootMoves...)
	} else {
		moves = pos.LegalMoves()
	}
	if len(moves) == 0 {
		if inCheck {
			return score.MatedIn(ply)
		}
		return score.Draw
	}

	scores := w.scoreBuf[ply][:len(moves)]
	w.orderer.ScoreMoves(pos, moves, scores, ttMove, ply)

	side := pos.SideToMove()
	origAlpha := alpha
	best := -score.Infinite
	bestMove := position.NoMove
	var quietBuf [64]position.Move
	quiets := quietBuf[:0]

	for i := range moves {
		PickMove(moves, scores, i)
		m := moves[i]
		tactical := pos.IsCapture(m) || m.Promotion() != position.NoPiece

		pos.Make(m)
		newDepth := depth - 1
		givesCheck := pos.InCheck()
		if givesCheck {
			newDepth++
		}

		var v score.Score
		if i == 0 {
			v = -w.negamax(newDepth, ply+1, -beta, -alpha, true)
		} else {
			// Late move reductions
			r := 0
			if depth >= lmrMinDepth && i >= lmrMinMoves && !tactical && !inCheck && !givesCheck {
				r = lmrReduction(depth, i+1)
				if pvNode {
					r--
				}
				r = max(0, min(r, newDepth-1))
			}
			v = -w.negamax(newDepth-r, ply+1, -alpha-1, -alpha, true)
			if v > alpha && r > 0 {
				v = -w.negamax(newDepth, ply+1, -alpha-1, -alpha, true)
			}
			if v > alpha && v < beta {
				v = -w.negamax(newDepth, ply+1, -beta, -alpha, true)
			}
		}
		pos.Unmake()
		if w.stopped {
			return 0
		}

		if v > best {
			best = v
			if v > alpha {
				alpha = v
				bestMove = m
				w.pv.update(ply, m)
				if v >= beta {
					if !tactical {
						w.orderer.UpdateKillers(m, ply)
						w.orderer.UpdateHistory(side, m, quiets, depth)
					}
					break
				}
			}
		}
		if !tactical && len(quiets) < cap(quiets) {
			quiets = append(quiets, m)
		}
	}

	// A root restricted to some moves does not have the position's value.
	if root && len(w.s.limits.SearchMoves) > 0 {
		return best
	}

	bound := BoundUpper
	switch {
	case best >= beta:
		bound = BoundLower
	case best > origAlpha:
		bound = BoundExact
	}
	w.s.tt.Store(key, bestMove, best.ToTT(ply), depth, bound)
	return best
}

// qsearch resolves captures and promotions, or all evasions when in check,
// until the position is quiet.
func (w *Worker) qsearch(ply int, alpha, beta score.Score) score.Score {
	if w.checkStop() {
		return 0
	}
	if ply > w.selDepth {
		w.selDepth = ply
	}

	pos := w.pos
	if pos.IsInsufficientMaterial() {
		return score.Draw
	}
	if ply >= MaxPly {
		return w.evaluate()
	}

	inCheck := pos.InCheck()
	moves := pos.LegalMoves()
	if len(moves) == 0 {
		if inCheck {
			return score.MatedIn(ply)
		}
		return score.Draw
	}

	best := -score.Infinite
	if !inCheck {
		standPat := w.evaluate()
		if w.stopped {
			return 0
		}
		if standPat >= beta {
			return standPat
		}
		alpha = max(alpha, standPat)
		best = standPat

		n := 0
		for _, m := range moves {
			if pos.IsCapture(m) || m.Promotion() != position.NoPiece {
				moves[n] = m
				n++
			}
		}
		moves = moves[:n]
	}

	scores := w.scoreBuf[ply][:len(moves)]
	ScoreCaptures(pos, moves, scores)

	for i := range moves {
		PickMove(moves, scores, i)
		m := moves[i]

		// Delta pruning
		if !inCheck && m.Promotion() == position.NoPiece &&
			best+score.Score(pieceValue[pos.Captured(m)]+deltaMargin) < alpha {
			continue
		}

		pos.Make(m)
		v := -w.qsearch(ply+1, -beta, -alpha)
		pos.Unmake()
		if w.stopped {
			return 0
		}

		if v > best {
			best = v
			if v > alpha {
				alpha = v
				if v >= beta {
					break
				}
			}
		}
	}
	return best
}
