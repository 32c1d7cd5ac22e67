package position

import (
	"errors"
	"strings"
	"testing"
)

func TestFromFENRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		fen  string
	}{
		{"empty", ""},
		{"seven ranks", "rnbqkbnr/pppppppp/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"},
		{"bad side", "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR x KQkq - 0 1"},
		{"no black king", "rnbq1bnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQ - 0 1"},
		{"rank overflow", "rnbqkbnr/ppppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"},
		{"bad castling", "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w XQkq - 0 1"},
		{"bad en passant", "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq e4 0 1"},
		{"pawn on back rank", "rnbqkbnP/pppppppp/8/8/8/8/PPPPPPP1/RNBQKBNR w KQkq - 0 1"},
		{"opponent in check", "4k3/8/8/8/8/8/4R3/4K3 w - - 0 1"},
		{"en passant without pawn", "4k3/8/8/8/3p4/8/8/4K3 b - e3 0 1"},
		{"en passant target occupied", "4k3/8/8/3pP3/8/8/8/4K3 b - e3 0 1"},
		{"en passant origin occupied", "4k3/3n4/8/3pP3/8/8/8/4K3 w - d6 0 1"},
		{"en passant own pawn", "4k3/8/8/3PP3/8/8/8/4K3 w - d6 0 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFEN(tt.fen)
			if !errors.Is(err, ErrInvalidFEN) {
				t.Errorf("FromFEN(%q) error = %v, want ErrInvalidFEN", tt.fen, err)
			}
		})
	}
}

func TestFromFENShortForm(t *testing.T) {
	p, err := FromFEN("4k3/8/8/8/8/8/8/4K2R w K -")
	if err != nil {
		t.Fatalf("FromFEN: %v", err)
	}
	if p.HalfmoveClock() != 0 || p.FullmoveNumber() != 1 {
		t.Errorf("clocks = %d/%d, want 0/1", p.HalfmoveClock(), p.FullmoveNumber())
	}
}

func TestCastlingRightsCheckedAgainstBoard(t *testing.T) {
	tests := []struct {
		fen     string
		rights  string
		noMoves []string
	}{
		{"4k3/8/8/8/8/8/8/3K4 w KQ - 0 1", "-", []string{"d1f1", "d1b1"}},
		{"4k3/8/8/8/8/8/8/4K3 w KQ - 0 1", "-", []string{"e1g1", "e1c1"}},
		{"4k3/pppppppp/8/8/8/8/8/4K3 w K - 0 1", "-", []string{"e1g1"}},
		{"r3k3/8/8/8/8/8/8/R3K2R w KQkq - 0 1", "KQq", nil},
		{"4k2r/8/8/8/8/8/8/R3K3 b KQkq - 0 1", "Qk", nil},
		{"4k3/8/8/8/8/8/8/R3K2R w KKQ - 0 1", "KQ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.fen, func(t *testing.T) {
			p, err := FromFEN(tt.fen)
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Fields(p.FEN())[2]; got != tt.rights {
				t.Errorf("castling = %q, want %q", got, tt.rights)
			}
			for _, s := range tt.noMoves {
				if _, err := p.ParseMove(s); err == nil {
					t.Errorf("%s generated without a rook", s)
				}
			}
		})
	}
}

func TestStartPosition(t *testing.T) {
	p := Start()
	if n := len(p.LegalMoves()); n != 20 {
		t.Errorf("legal moves = %d, want 20", n)
	}
	if p.SideToMove() != White {
		t.Errorf("side to move = %v, want white", p.SideToMove())
	}
	if p.PieceCount() != 32 {
		t.Errorf("piece count = %d, want 32", p.PieceCount())
	}
	ourQ, ourK, theirQ, theirK := p.Castling()
	if !ourQ || !ourK || !theirQ || !theirK {
		t.Errorf("castling = %v %v %v %v, want all true", ourQ, ourK, theirQ, theirK)
	}
	if p.EnPassantFile() != -1 {
		t.Errorf("en passant file = %d, want -1", p.EnPassantFile())
	}
}

func TestMakeUnmakeRestores(t *testing.T) {
	p := Start()
	fen, hash := p.FEN(), p.Hash()

	for _, m := range p.LegalMoves() {
		p.Make(m)
		for _, r := range p.LegalMoves() {
			p.Make(r)
			p.Unmake()
		}
		p.Unmake()
		if p.FEN() != fen || p.Hash() != hash {
			t.Fatalf("after %s: fen %q hash %x, want %q %x", m, p.FEN(), p.Hash(), fen, hash)
		}
	}
}

func TestNullMove(t *testing.T) {
	p, err := FromFEN("rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq e6 0 2")
	if err != nil {
		t.Fatal(err)
	}
	fen, hash := p.FEN(), p.Hash()

	p.MakeNull()
	if p.SideToMove() != Black {
		t.Errorf("after null move side = %v, want black", p.SideToMove())
	}
	if p.EnPassantFile() != -1 {
		t.Errorf("null move kept en passant file %d", p.EnPassantFile())
	}
	if p.Hash() == hash {
		t.Error("null move did not change the hash")
	}
	p.Unmake()
	if p.FEN() != fen || p.Hash() != hash {
		t.Errorf("null unmake: got %q, want %q", p.FEN(), fen)
	}
}

func TestApplyMovesIsAtomic(t *testing.T) {
	p := Start()
	fen := p.FEN()
	err := p.ApplyMoves([]string{"e2e4", "e7e5", "e1e3"})
	if !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("error = %v, want ErrIllegalMove", err)
	}
	if p.FEN() != fen {
		t.Errorf("position changed after failed ApplyMoves: %q", p.FEN())
	}
	if err := p.ApplyMoves([]string{"e2e4", "e7e5"}); err != nil {
		t.Fatalf("ApplyMoves: %v", err)
	}
	if p.EnPassantFile() != 4 {
		t.Errorf("en passant file = %d, want 4", p.EnPassantFile())
	}
}

func TestRepetition(t *testing.T) {
	p := Start()
	if err := p.ApplyMoves([]string{"g1f3", "g8f6", "f3g1", "f6g8"}); err != nil {
		t.Fatal(err)
	}
	if !p.IsRepetition() {
		t.Error("expected repetition after knight shuffle")
	}
	p.Unmake()
	if p.IsRepetition() {
		t.Error("unexpected repetition")
	}
}

func TestCapturedAndEnPassant(t *testing.T) {
	p, err := FromFEN("4k3/8/8/3pP3/8/8/8/4K3 w - d6 0 1")
	if err != nil {
		t.Fatal(err)
	}
	m, err := p.ParseMove("e5d6")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Captured(m); got != Pawn {
		t.Errorf("Captured(e5d6) = %v, want pawn", got)
	}
	quiet, _ := p.ParseMove("e5e6")
	if p.IsCapture(quiet) {
		t.Error("e5e6 reported as capture")
	}
}

func TestInsufficientMaterial(t *testing.T) {
	tests := []struct {
		fen  string
		want bool
	}{
		{"4k3/8/8/8/8/8/8/4K3 w - - 0 1", true},
		{"4k3/8/8/8/8/8/8/4KN2 w - - 0 1", true},
		{"4k3/8/8/8/8/8/8/4KR2 w - - 0 1", false},
		{"4k3/8/8/8/8/8/4P3/4K3 w - - 0 1", false},
	}
	for _, tt := range tests {
		p, err := FromFEN(tt.fen)
		if err != nil {
			t.Fatal(err)
		}
		if got := p.IsInsufficientMaterial(); got != tt.want {
			t.Errorf("IsInsufficientMaterial(%q) = %v, want %v", tt.fen, got, tt.want)
		}
	}
}

func perft(p *Position, depth int) int {
	if depth == 0 {
		return 1
	}
	n := 0
	for _, m := range p.LegalMoves() {
		p.Make(m)
		n += perft(p, depth-1)
		p.Unmake()
	}
	return n
}

func TestPerft(t *testing.T) {
	p := Start()
	want := []int{1, 20, 400, 8902}
	for d, w := range want {
		if got := perft(p, d); got != w {
			t.Errorf("perft(%d) = %d, want %d", d, got, w)
		}
	}
}
