// Package position adapts the dragontoothmg rules engine to the search.
//
// A Position is owned by exactly one goroutine. Make and Unmake must be
// strictly nested.
package position

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/dylhunn/dragontoothmg"
)

// Position is a board plus the make/unmake and repetition history the
// search needs.
type Position struct {
	board  dragontoothmg.Board
	undo   []func()
	saved  []dragontoothmg.Board // boards replaced by null moves
	hashes []uint64              // hash of every position reached, current last
	kinds  []bool                // parallel to undo: true for a null move
}

// FromFEN parses fen into a new position. Malformed input returns an error
// wrapping ErrInvalidFEN.
func FromFEN(fen string) (p *Position, err error) {
	norm, err := normalizeFEN(fen)
	if err != nil {
		return nil, err
	}

	board, err := parseBoard(norm)
	if err != nil {
		return nil, err
	}

	// The side that just moved must not be left in check.
	flipped, err := parseBoard(flipSide(norm))
	if err != nil {
		return nil, err
	}
	if flipped.OurKingInCheck() {
		return nil, &ParseError{FEN: fen, Reason: "side not to move is in check"}
	}

	p = &Position{board: board}
	p.hashes = append(p.hashes, board.Hash())
	return p, nil
}

// Start returns the standard initial position.
func Start() *Position {
	p, err := FromFEN(StartFEN)
	if err != nil {
		panic(err)
	}
	return p
}

func parseBoard(fen string) (b dragontoothmg.Board, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ParseError{FEN: fen, Reason: fmt.Sprint(r)}
		}
	}()
	return dragontoothmg.ParseFen(fen), nil
}

// flipSide swaps the side to move and clears the en passant square.
func flipSide(fen string) string {
	f := strings.Fields(fen)
	if f[1] == "w" {
		f[1] = "b"
	} else {
		f[1] = "w"
	}
	f[3] = "-"
	return strings.Join(f, " ")
}

// Clone returns an independent copy with the same repetition history.
// The undo stack is not copied: the clone cannot unmake past its start.
func (p *Position) Clone() *Position {
	c := &Position{board: p.board}
	c.hashes = append(make([]uint64, 0, len(p.hashes)+64), p.hashes...)
	return c
}

// LegalMoves returns every legal move in generation order.
func (p *Position) LegalMoves() []Move {
	raw := p.board.GenerateLegalMoves()
	moves := make([]Move, len(raw))
	for i, m := range raw {
		moves[i] = Move(m)
	}
	return moves
}

// IsLegal reports whether m is legal here. Used to validate moves that come
// from outside the current generation, such as hash table moves.
func (p *Position) IsLegal(m Move) bool {
	if m == NoMove {
		return false
	}
	for _, lm := range p.board.GenerateLegalMoves() {
		if Move(lm) == m {
			return true
		}
	}
	return false
}

// Make plays m, which must be legal.
func (p *Position) Make(m Move) {
	p.undo = append(p.undo, p.board.Apply(dragontoothmg.Move(m)))
	p.kinds = append(p.kinds, false)
	p.hashes = append(p.hashes, p.board.Hash())
}

// MakeNull passes the turn. Must not be called while in check.
func (p *Position) MakeNull() {
	p.saved = append(p.saved, p.board)
	b, err := parseBoard(flipSide(p.board.ToFen()))
	if err != nil {
		panic(fmt.Sprintf("position: null move on %q: %v", p.board.ToFen(), err))
	}
	p.board = b
	p.undo = append(p.undo, nil)
	p.kinds = append(p.kinds, true)
	p.hashes = append(p.hashes, p.board.Hash())
}

// Unmake reverts the most recent Make or MakeNull.
func (p *Position) Unmake() {
	n := len(p.undo)
	if n == 0 {
		panic("position: unmake with empty stack")
	}
	if p.kinds[n-1] {
		p.board = p.saved[len(p.saved)-1]
		p.saved = p.saved[:len(p.saved)-1]
	} else {
		p.undo[n-1]()
	}
	p.undo = p.undo[:n-1]
	p.kinds = p.kinds[:n-1]
	p.hashes = p.hashes[:len(p.hashes)-1]
}

// Hash returns the Zobrist key of the position.
func (p *Position) Hash() uint64 { return p.board.Hash() }

// SideToMove returns the color to move.
func (p *Position) SideToMove() Color {
	if p.board.Wtomove {
		return White
	}
	return Black
}

// InCheck reports whether the side to move is in check.
func (p *Position) InCheck() bool { return p.board.OurKingInCheck() }

// HalfmoveClock returns the plies since the last capture or pawn move.
func (p *Position) HalfmoveClock() int { return int(p.board.Halfmoveclock) }

// FullmoveNumber returns the FEN fullmove counter.
func (p *Position) FullmoveNumber() int { return int(p.board.Fullmoveno) }

// FEN returns the position as a FEN string.
func (p *Position) FEN() string { return p.board.ToFen() }

func (p *Position) sides() (us, them *dragontoothmg.Bitboards) {
	if p.board.Wtomove {
		return &p.board.White, &p.board.Black
	}
	return &p.board.Black, &p.board.White
}

// PieceAt returns the piece on sq and its color.
func (p *Position) PieceAt(sq uint8) (Piece, Color, bool) {
	bit := uint64(1) << sq
	for c, bb := range [2]*dragontoothmg.Bitboards{&p.board.White, &p.board.Black} {
		if bb.All&bit == 0 {
			continue
		}
		return pieceOn(bb, bit), Color(c), true
	}
	return NoPiece, White, false
}

func pieceOn(bb *dragontoothmg.Bitboards, bit uint64) Piece {
	switch {
	case bb.Pawns&bit != 0:
		return Pawn
	case bb.Knights&bit != 0:
		return Knight
	case bb.Bishops&bit != 0:
		return Bishop
	case bb.Rooks&bit != 0:
		return Rook
	case bb.Queens&bit != 0:
		return Queen
	case bb.Kings&bit != 0:
		return King
	}
	return NoPiece
}

// Captured returns the piece m captures, or NoPiece for quiet moves.
// En passant captures report Pawn.
func (p *Position) Captured(m Move) Piece {
	us, them := p.sides()
	to := uint64(1) << m.To()
	if them.All&to != 0 {
		return pieceOn(them, to)
	}
	from := uint64(1) << m.From()
	if us.Pawns&from != 0 && m.From()%8 != m.To()%8 {
		return Pawn
	}
	return NoPiece
}

// IsCapture reports whether m captures a piece.
func (p *Position) IsCapture(m Move) bool { return p.Captured(m) != NoPiece }

// Moved returns the piece m moves.
func (p *Position) Moved(m Move) Piece {
	us, _ := p.sides()
	return pieceOn(us, uint64(1)<<m.From())
}

// PieceCount returns the number of pieces on the board, kings included.
func (p *Position) PieceCount() int {
	return bits.OnesCount64(p.board.White.All | p.board.Black.All)
}

// HasNonPawnMaterial reports whether the side to move has a piece other
// than pawns and king.
func (p *Position) HasNonPawnMaterial() bool {
	us, _ := p.sides()
	return us.Knights|us.Bishops|us.Rooks|us.Queens != 0
}

// IsRepetition reports whether the current position occurred before since
// the last irreversible move.
func (p *Position) IsRepetition() bool {
	n := len(p.hashes)
	cur := p.hashes[n-1]
	limit := p.HalfmoveClock()
	for i := n - 3; i >= 0 && n-1-i <= limit; i -= 2 {
		if p.hashes[i] == cur {
			return true
		}
	}
	return false
}

// IsFiftyMoveDraw reports whether the fifty-move rule applies.
func (p *Position) IsFiftyMoveDraw() bool { return p.board.Halfmoveclock >= 100 }

// IsInsufficientMaterial reports bare kings, or a single minor piece
// against a bare king.
func (p *Position) IsInsufficientMaterial() bool {
	w, b := &p.board.White, &p.board.Black
	if w.Pawns|b.Pawns|w.Rooks|b.Rooks|w.Queens|b.Queens != 0 {
		return false
	}
	minors := bits.OnesCount64(w.Knights | w.Bishops | b.Knights | b.Bishops)
	return minors <= 1
}

// Castling returns the castling rights of the side to move ("ours") and of
// the opponent, as queenside/kingside pairs.
func (p *Position) Castling() (ourQ, ourK, theirQ, theirK bool) {
	f := strings.Fields(p.board.ToFen())
	if len(f) < 3 {
		return
	}
	wq := strings.ContainsRune(f[2], 'Q')
	wk := strings.ContainsRune(f[2], 'K')
	bq := strings.ContainsRune(f[2], 'q')
	bk := strings.ContainsRune(f[2], 'k')
	if p.board.Wtomove {
		return wq, wk, bq, bk
	}
	return bq, bk, wq, wk
}

// EnPassantFile returns the file (0-7) of the en passant target, or -1.
func (p *Position) EnPassantFile() int {
	f := strings.Fields(p.board.ToFen())
	if len(f) < 4 || f[3] == "-" {
		return -1
	}
	return int(f[3][0] - 'a')
}

// ParseMove resolves a coordinate move string ("e2e4", "e7e8q") against the
// legal moves of the position.
func (p *Position) ParseMove(s string) (Move, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range p.LegalMoves() {
		if m.String() == s {
			return m, nil
		}
	}
	return NoMove, fmt.Errorf("%w: %s in %s", ErrIllegalMove, s, p.FEN())
}

// ApplyMoves plays a sequence of coordinate moves. If any move is illegal
// the position is left unchanged.
func (p *Position) ApplyMoves(moves []string) error {
	made := 0
	for _, s := range moves {
		m, err := p.ParseMove(s)
		if err != nil {
			for ; made > 0; made-- {
				p.Unmake()
			}
			return err
		}
		p.Make(m)
		made++
	}
	return nil
}

// Commit drops the undo stack while keeping repetition history. Called after
// game moves have been applied so the search starts from an empty stack.
func (p *Position) Commit() {
	p.undo = p.undo[:0]
	p.kinds = p.kinds[:0]
	p.saved = p.saved[:0]
}

// String renders an ASCII diagram followed by the FEN.
func (p *Position) String() string {
	const letters = " pnbrqk"
	var sb strings.Builder
	for rank := 7; rank >= 0; rank-- {
		sb.WriteString(" +---+---+---+---+---+---+---+---+\n")
		for file := 0; file < 8; file++ {
			c := byte(' ')
			if pc, col, ok := p.PieceAt(uint8(rank*8 + file)); ok {
				c = letters[pc]
				if col == White {
					c -= 'a' - 'A'
				}
			}
			fmt.Fprintf(&sb, " | %c", c)
		}
		fmt.Fprintf(&sb, " | %d\n", rank+1)
	}
	sb.WriteString(" +---+---+---+---+---+---+---+---+\n")
	sb.WriteString("   a   b   c   d   e   f   g   h\n\n")
	fmt.Fprintf(&sb, "Fen: %s\nKey: %016X\n", p.FEN(), p.Hash())
	return sb.String()
}
