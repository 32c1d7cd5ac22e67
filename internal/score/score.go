// Package score defines the search score scale.
//
// A Score is either an ordinary evaluation in (-MateBound, MateBound) or a
// mate score. Mate for the side to move at ply p is Mate-p; being mated at
// ply p is -(Mate-p). Plain integer comparison is the total order: every mate
// for the mover ranks above every ordinary value, and shorter mates rank
// above longer ones. Tablebase wins sit between the two bands.
package score

import "fmt"

// Score is a value from the point of view of the side to move.
type Score int32

const (
	Draw Score = 0

	// Infinite bounds the alpha-beta window. No real score reaches it.
	Infinite Score = 32000

	// Mate is the score of delivering mate at the root.
	Mate Score = 31000

	// MaxPly is the deepest ply a mate score can encode.
	MaxPly = 256

	// MateBound is the smallest mate score.
	MateBound Score = Mate - MaxPly

	// TablebaseWin is the score of a proven tablebase win at the root.
	TablebaseWin Score = MateBound - 1

	// TablebaseBound is the smallest tablebase win score.
	TablebaseBound Score = TablebaseWin - MaxPly

	// MaxEval caps ordinary evaluations below the tablebase band.
	MaxEval Score = TablebaseBound - 1
)

// MateIn returns the score for delivering mate ply plies from the root.
func MateIn(ply int) Score { return Mate - Score(ply) }

// MatedIn returns the score for being mated ply plies from the root.
func MatedIn(ply int) Score { return -Mate + Score(ply) }

// TablebaseWinIn returns a proven tablebase win seen at ply.
func TablebaseWinIn(ply int) Score { return TablebaseWin - Score(ply) }

// TablebaseLossIn returns a proven tablebase loss seen at ply.
func TablebaseLossIn(ply int) Score { return -TablebaseWin + Score(ply) }

// IsMate reports whether s is a forced mate for either side.
func (s Score) IsMate() bool { return s >= MateBound || s <= -MateBound }

// IsDecisive reports whether s is a mate or a tablebase result.
func (s Score) IsDecisive() bool { return s > MaxEval || s < -MaxEval }

// MateMoves returns the signed distance to mate in full moves: positive
// when the side to move mates, negative when it is mated. It is 0 for
// non-mate scores.
func (s Score) MateMoves() int {
	switch {
	case s >= MateBound:
		return int(Mate-s+1) / 2
	case s <= -MateBound:
		return -int(Mate+s) / 2
	}
	return 0
}

// ToTT converts a root-relative score found at ply into a node-relative
// score for storage, so the entry stays valid at any ply.
func (s Score) ToTT(ply int) Score {
	switch {
	case s > MaxEval:
		return s + Score(ply)
	case s < -MaxEval:
		return s - Score(ply)
	}
	return s
}

// FromTT reverses ToTT for a probe made at ply.
func (s Score) FromTT(ply int) Score {
	switch {
	case s > MaxEval:
		return s - Score(ply)
	case s < -MaxEval:
		return s + Score(ply)
	}
	return s
}

// Clamp limits an evaluator output to the ordinary range.
func Clamp(v int) Score {
	if v > int(MaxEval) {
		return MaxEval
	}
	if v < -int(MaxEval) {
		return -MaxEval
	}
	return Score(v)
}

// String formats s the way progress lines report it: "cp N" or "mate N".
func (s Score) String() string {
	if s.IsMate() {
		return fmt.Sprintf("mate %d", s.MateMoves())
	}
	return fmt.Sprintf("cp %d", int32(s))
}
