package xboard

import "github.com/hailam/nnchess/internal/position"

// game is the move record of the current game. Take-backs replay it from
// the starting position.
type game struct {
	start *position.Position
	moves []position.Move
	pos   *position.Position
}

func newGame(start *position.Position) *game {
	return &game{start: start.Clone(), pos: start.Clone()}
}

func (g *game) play(m position.Move) {
	g.pos.Make(m)
	g.moves = append(g.moves, m)
}

// takeBack retracts the last n moves. It reports false when fewer were
// played.
func (g *game) takeBack(n int) bool {
	if n > len(g.moves) {
		return false
	}
	g.moves = g.moves[:len(g.moves)-n]
	g.pos = g.start.Clone()
	for _, m := range g.moves {
		g.pos.Make(m)
	}
	return true
}

// result returns the result line for a finished game, or "".
func (g *game) result() string {
	pos := g.pos
	if len(pos.LegalMoves()) == 0 {
		if !pos.InCheck() {
			return "1/2-1/2 {Stalemate}"
		}
		if pos.SideToMove() == position.White {
			return "0-1 {Black mates}"
		}
		return "1-0 {White mates}"
	}
	switch {
	case pos.IsInsufficientMaterial():
		return "1/2-1/2 {Insufficient material}"
	case pos.IsFiftyMoveDraw():
		return "1/2-1/2 {Draw by 50 move rule}"
	case g.repetitions() >= 3:
		return "1/2-1/2 {Draw by repetition}"
	}
	return ""
}

// repetitions counts how often the current position occurred in the game.
func (g *game) repetitions() int {
	p := g.start.Clone()
	cur := g.pos.Hash()
	n := 0
	if p.Hash() == cur {
		n++
	}
	for _, m := range g.moves {
		p.Make(m)
		if p.Hash() == cur {
			n++
		}
	}
	return n
}
