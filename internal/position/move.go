package position

import "github.com/dylhunn/dragontoothmg"

// Move is a packed move: origin, destination and promotion piece.
// The zero value is NoMove.
type Move uint16

// NoMove is the null/absent move. It is never legal.
const NoMove Move = 0

// Piece kinds, numbered like the rules engine.
type Piece uint8

const (
	NoPiece Piece = Piece(dragontoothmg.Nothing)
	Pawn    Piece = Piece(dragontoothmg.Pawn)
	Knight  Piece = Piece(dragontoothmg.Knight)
	Bishop  Piece = Piece(dragontoothmg.Bishop)
	Rook    Piece = Piece(dragontoothmg.Rook)
	Queen   Piece = Piece(dragontoothmg.Queen)
	King    Piece = Piece(dragontoothmg.King)
)

// Color is the side a piece belongs to.
type Color int8

const (
	White Color = iota
	Black
)

// Other returns the opposing color.
func (c Color) Other() Color { return c ^ 1 }

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

func (m Move) raw() dragontoothmg.Move { return dragontoothmg.Move(m) }

// From returns the origin square (a1 = 0, h8 = 63).
func (m Move) From() uint8 {
	r := m.raw()
	return r.From()
}

// To returns the destination square.
func (m Move) To() uint8 {
	r := m.raw()
	return r.To()
}

// Promotion returns the promotion piece, or NoPiece.
func (m Move) Promotion() Piece {
	r := m.raw()
	return Piece(r.Promote())
}

func (m Move) String() string {
	if m == NoMove {
		return "0000"
	}
	r := m.raw()
	return r.String()
}

// SquareName returns the algebraic name of sq, e.g. "e4".
func SquareName(sq uint8) string {
	return string([]byte{'a' + sq%8, '1' + sq/8})
}
