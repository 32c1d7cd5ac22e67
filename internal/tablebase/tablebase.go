// Package tablebase is the endgame oracle consulted by the search.
//
// Probers are optional and best effort: any error, including ErrNotFound,
// means the search carries on as if no tablebase existed.
package tablebase

import (
	"context"
	"errors"
	"strings"

	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
)

// ErrNotFound reports that the position has no tablebase entry.
var ErrNotFound = errors.New("no tablebase entry")

// WDL represents Win/Draw/Loss result from the side to move.
type WDL int

const (
	WDLLoss        WDL = -2
	WDLBlessedLoss WDL = -1 // Loss that the fifty-move rule turns into a draw
	WDLDraw        WDL = 0
	WDLCursedWin   WDL = 1 // Win that the fifty-move rule turns into a draw
	WDLWin         WDL = 2
)

func (w WDL) String() string {
	switch w {
	case WDLLoss:
		return "loss"
	case WDLBlessedLoss:
		return "blessed-loss"
	case WDLDraw:
		return "draw"
	case WDLCursedWin:
		return "cursed-win"
	case WDLWin:
		return "win"
	}
	return "unknown"
}

// ProbeResult contains the result of a tablebase probe.
type ProbeResult struct {
	WDL WDL `json:"wdl"`
	DTZ int `json:"dtz"` // Distance to zeroing move (pawn move or capture)
}

// Prober is the interface for tablebase probing.
type Prober interface {
	// Probe looks up pos. It returns ErrNotFound when the position is outside
	// the tablebase, and other errors for failed lookups.
	Probe(ctx context.Context, pos *position.Position) (ProbeResult, error)

	// MaxPieces returns the maximum number of pieces supported, kings
	// included.
	MaxPieces() int

	// Available returns true if tablebases are loaded and available.
	Available() bool
}

// WDLToScore converts a WDL result at ply to a search score from the side to
// move. Wins rank below real mates and above every evaluation; results the
// fifty-move rule spoils are scored as near-draws.
func WDLToScore(wdl WDL, ply int) score.Score {
	switch wdl {
	case WDLWin:
		return score.TablebaseWinIn(ply)
	case WDLCursedWin:
		return score.Draw + 1
	case WDLBlessedLoss:
		return score.Draw - 1
	case WDLLoss:
		return score.TablebaseLossIn(ply)
	}
	return score.Draw
}

// NoopProber is a prober that always returns ErrNotFound.
// Use this as a placeholder when tablebases are not available.
type NoopProber struct{}

func (NoopProber) Probe(context.Context, *position.Position) (ProbeResult, error) {
	return ProbeResult{}, ErrNotFound
}

func (NoopProber) MaxPieces() int { return 0 }

func (NoopProber) Available() bool { return false }

// Material returns the material signature of pos, e.g. "KQvKR", strongest
// pieces first. It is the base name of Syzygy table files.
func Material(pos *position.Position) string {
	var side [2]strings.Builder
	for c := range side {
		side[c].WriteByte('K')
	}
	const order = "QRBNP"
	pieces := []position.Piece{position.Queen, position.Rook, position.Bishop, position.Knight, position.Pawn}
	for i, pt := range pieces {
		for sq := uint8(0); sq < 64; sq++ {
			pc, c, ok := pos.PieceAt(sq)
			if ok && pc == pt {
				side[c].WriteByte(order[i])
			}
		}
	}
	return side[position.White].String() + "v" + side[position.Black].String()
}

// normalizedFEN drops the move counters, which do not change WDL.
func normalizedFEN(pos *position.Position) string {
	f := strings.Fields(pos.FEN())
	if len(f) > 4 {
		f = f[:4]
	}
	return strings.Join(f, " ")
}
