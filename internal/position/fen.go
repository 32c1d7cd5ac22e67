package position

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	// ErrInvalidFEN reports a malformed board encoding.
	ErrInvalidFEN = errors.New("invalid FEN")
	// ErrIllegalMove reports a move that is not legal in the current position.
	ErrIllegalMove = errors.New("illegal move")
)

// ParseError describes which part of a FEN string was rejected.
type ParseError struct {
	FEN    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid FEN %q: %s", e.FEN, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrInvalidFEN }

// normalizeFEN validates fen and returns it with all six fields present.
// Missing clock fields default to "0 1".
func normalizeFEN(fen string) (string, error) {
	fields := strings.Fields(fen)
	switch len(fields) {
	case 4:
		fields = append(fields, "0", "1")
	case 6:
	default:
		return "", &ParseError{FEN: fen, Reason: "expected 4 or 6 fields"}
	}
	bad := func(reason string) (string, error) {
		return "", &ParseError{FEN: fen, Reason: reason}
	}

	ranks := strings.Split(fields[0], "/")
	if len(ranks) != 8 {
		return bad("expected 8 ranks")
	}
	// grid[r][f] is the piece letter on rank r+1, file f, or 0.
	var grid [8][8]rune
	kings := map[rune]int{}
	for i, rank := range ranks {
		files := 0
		for _, c := range rank {
			switch {
			case c >= '1' && c <= '8':
				files += int(c - '0')
			case strings.ContainsRune("pnbrqkPNBRQK", c):
				if (c == 'p' || c == 'P') && (i == 0 || i == 7) {
					return bad("pawn on back rank")
				}
				if c == 'k' || c == 'K' {
					kings[c]++
				}
				if files < 8 {
					grid[7-i][files] = c
				}
				files++
			default:
				return bad(fmt.Sprintf("unexpected character %q", c))
			}
		}
		if files != 8 {
			return bad(fmt.Sprintf("rank %d has %d files", 8-i, files))
		}
	}
	if kings['K'] != 1 || kings['k'] != 1 {
		return bad("each side needs exactly one king")
	}

	if fields[1] != "w" && fields[1] != "b" {
		return bad("side to move must be w or b")
	}

	if fields[2] != "-" {
		// Rights whose king or rook has left its home square are dropped:
		// the rules engine would otherwise castle with a missing piece.
		var kept []rune
		for _, c := range fields[2] {
			if !strings.ContainsRune("KQkq", c) {
				return bad("bad castling field")
			}
			if castlingIntact(&grid, c) && !strings.ContainsRune(string(kept), c) {
				kept = append(kept, c)
			}
		}
		fields[2] = "-"
		if len(kept) > 0 {
			fields[2] = string(kept)
		}
	}

	if ep := fields[3]; ep != "-" {
		if len(ep) != 2 || ep[0] < 'a' || ep[0] > 'h' {
			return bad("bad en passant square")
		}
		if (fields[1] == "w" && ep[1] != '6') || (fields[1] == "b" && ep[1] != '3') {
			return bad("en passant square on wrong rank")
		}
		file := int(ep[0] - 'a')
		// The pawn that just double-stepped stands in front of the target,
		// and both squares it crossed are empty.
		pawnRank, target, origin, pawn := 4, 5, 6, 'p'
		if fields[1] == "b" {
			pawnRank, target, origin, pawn = 3, 2, 1, 'P'
		}
		if grid[pawnRank][file] != pawn || grid[target][file] != 0 || grid[origin][file] != 0 {
			return bad("en passant square without a capturable pawn")
		}
	}

	half, err := strconv.Atoi(fields[4])
	if err != nil || half < 0 || half > 255 {
		return bad("bad halfmove clock")
	}
	full, err := strconv.Atoi(fields[5])
	if err != nil || full < 1 || full > 65535 {
		return bad("bad fullmove number")
	}

	return strings.Join(fields, " "), nil
}

// castlingIntact reports whether the king and rook for right are on their
// home squares.
func castlingIntact(grid *[8][8]rune, right rune) bool {
	switch right {
	case 'K':
		return grid[0][4] == 'K' && grid[0][7] == 'R'
	case 'Q':
		return grid[0][4] == 'K' && grid[0][0] == 'R'
	case 'k':
		return grid[7][4] == 'k' && grid[7][7] == 'r'
	case 'q':
		return grid[7][4] == 'k' && grid[7][0] == 'r'
	}
	return false
}
