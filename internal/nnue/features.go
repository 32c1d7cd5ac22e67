package nnue

import "github.com/hailam/nnchess/internal/position"

// Feature layout. Squares are seen from the side to move: when Black moves
// the board is mirrored vertically so "our" pawns always advance upward.
const (
	CellKinds     = 13 // empty, our P N B R Q K, their P N B R Q K
	BoardFeatures = 64 * CellKinds
	CastleOffset  = BoardFeatures
	CastleCount   = 6 // our Q, our K, our none, their Q, their K, their none
	EPOffset      = CastleOffset + CastleCount
	EPCount       = 9 // none, file a..h
	FeatureCount  = EPOffset + EPCount
)

// CellIndex returns the cell kind for a piece relative to the mover.
func CellIndex(pc position.Piece, ours bool) int {
	if pc == position.NoPiece {
		return 0
	}
	idx := int(pc) // Pawn=1 .. King=6
	if !ours {
		idx += 6
	}
	return idx
}

// Encode writes the feature vector of pos into dst, which must hold
// FeatureCount values. Present features are +1, absent ones -1.
func Encode(pos *position.Position, dst []float32) {
	dst = dst[:FeatureCount]
	for i := range dst {
		dst[i] = -1
	}

	us := pos.SideToMove()
	for sq := uint8(0); sq < 64; sq++ {
		rel := sq
		if us == position.Black {
			rel ^= 56
		}
		kind := 0
		if pc, c, ok := pos.PieceAt(sq); ok {
			kind = CellIndex(pc, c == us)
		}
		dst[int(rel)*CellKinds+kind] = 1
	}

	ourQ, ourK, theirQ, theirK := pos.Castling()
	set := func(i int, on bool) {
		if on {
			dst[CastleOffset+i] = 1
		}
	}
	set(0, ourQ)
	set(1, ourK)
	set(2, !ourQ && !ourK)
	set(3, theirQ)
	set(4, theirK)
	set(5, !theirQ && !theirK)

	dst[EPOffset+pos.EnPassantFile()+1] = 1
}
