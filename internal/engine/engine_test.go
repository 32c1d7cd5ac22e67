package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
	"github.com/hailam/nnchess/internal/tablebase"
)

// materialEvaluator counts material and the number of calls.
type materialEvaluator struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (m *materialEvaluator) Evaluate(ctx context.Context, pos *position.Position) (score.Score, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		t := time.NewTimer(m.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if m.err != nil {
		return 0, m.err
	}
	return materialEval(pos), nil
}

// drawProber reports every position as a draw.
type drawProber struct {
	probes atomic.Int64
}

func (p *drawProber) Probe(context.Context, *position.Position) (tablebase.ProbeResult, error) {
	p.probes.Add(1)
	return tablebase.ProbeResult{WDL: tablebase.WDLDraw}, nil
}

func (p *drawProber) MaxPieces() int  { return 5 }
func (p *drawProber) Available() bool { return true }

func newTestEngine(t *testing.T, eval Evaluator, threads int) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.HashMB = 16
	opts.Threads = threads
	opts.MoveOverhead = 0
	eng, err := New(eval, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func mustFEN(t *testing.T, fen string) *position.Position {
	t.Helper()
	pos, err := position.FromFEN(fen)
	if err != nil {
		t.Fatalf("FromFEN(%q): %v", fen, err)
	}
	return pos
}

// isLegal checks m against the pieces on the board before asking the move
// generator, so castling and en passant moves are vouched for by the board
// itself rather than by the generator's flags.
func isLegal(pos *position.Position, m position.Move) bool {
	if m == position.NoMove {
		return false
	}
	us := pos.SideToMove()
	from, to := m.From(), m.To()
	p, c, ok := pos.PieceAt(from)
	if !ok || c != us {
		return false
	}
	victim, vc, occupied := pos.PieceAt(to)
	if occupied && (vc == us || victim == position.King) {
		return false
	}

	df := int(to%8) - int(from%8)
	switch {
	case p == position.King && (df == 2 || df == -2):
		if from%8 != 4 || from/8 != to/8 {
			return false
		}
		rookSq, empty := to+1, []uint8{from + 1, from + 2}
		if df < 0 {
			rookSq, empty = to-2, []uint8{from - 1, from - 2, from - 3}
		}
		if r, rc, ok := pos.PieceAt(rookSq); !ok || r != position.Rook || rc != us {
			return false
		}
		for _, sq := range empty {
			if _, _, ok := pos.PieceAt(sq); ok {
				return false
			}
		}
	case p == position.Pawn && df != 0 && !occupied:
		// En passant: the captured pawn stands beside the origin square.
		if v, vc, ok := pos.PieceAt(from/8*8 + to%8); !ok || v != position.Pawn || vc == us {
			return false
		}
	}

	for _, lm := range pos.LegalMoves() {
		if lm == m {
			return true
		}
	}
	return false
}

// checkLine plays pv from pos, failing on the first illegal move.
func checkLine(t *testing.T, pos *position.Position, pv []position.Move) {
	t.Helper()
	p := pos.Clone()
	for i, m := range pv {
		if !isLegal(p, m) {
			t.Errorf("pv move %d (%s) illegal in %s", i, m, p.FEN())
			return
		}
		p.Make(m)
	}
}

func TestIsLegalHelper(t *testing.T) {
	tests := []struct {
		fen  string
		move string
		want bool
	}{
		{"r3k2r/8/8/8/8/8/8/R3K2R w KQkq - 0 1", "e1g1", true},
		{"r3k2r/8/8/8/8/8/8/R3K2R w KQkq - 0 1", "e1c1", true},
		{"r3k2r/8/8/8/8/8/8/R3K2R b KQkq - 0 1", "e8c8", true},
		{"r3k2r/8/8/8/8/8/8/RN2K2R w KQkq - 0 1", "e1c1", false},
		{"4k3/8/8/3pP3/8/8/8/4K3 w - d6 0 1", "e5d6", true},
		{"4k3/8/8/3pP3/8/8/8/4K3 w - - 0 1", "e5d6", false},
		{"4k3/8/8/8/8/8/8/4K3 w - - 0 1", "e1e2", true},
		{"4k3/8/8/8/8/8/8/4K3 w - - 0 1", "e8e7", false},
	}
	for _, tc := range tests {
		t.Run(tc.fen+" "+tc.move, func(t *testing.T) {
			pos := mustFEN(t, tc.fen)
			m, err := pos.ParseMove(tc.move)
			if err != nil {
				if tc.want {
					t.Fatalf("ParseMove: %v", err)
				}
				return
			}
			if got := isLegal(pos, m); got != tc.want {
				t.Errorf("isLegal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTranspositionRoundTrip(t *testing.T) {
	tt, err := NewTranspositionTable(1)
	if err != nil {
		t.Fatal(err)
	}
	pos := position.Start()
	m, err := pos.ParseMove("e2e4")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		key   uint64
		score score.Score
		depth int
		bound Bound
	}{
		{"exact", 0x1234_5678_9abc_def0, 37, 5, BoundExact},
		{"negative lower", 0x0fed_cba9_8765_4321, -250, 12, BoundLower},
		{"mate", 0x1111_2222_3333_4444, score.MateIn(3).ToTT(2), 7, BoundExact},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tt.Store(tc.key, m, tc.score, tc.depth, tc.bound)
			e, ok := tt.Probe(tc.key)
			if !ok {
				t.Fatal("probe missed after store")
			}
			if e.Move != m || e.Score != tc.score || e.Depth != tc.depth || e.Bound != tc.bound {
				t.Errorf("got %+v, want move %v score %d depth %d bound %d", e, m, tc.score, tc.depth, tc.bound)
			}
		})
	}

	if got := score.MateIn(3).ToTT(2).FromTT(2); got != score.MateIn(3) {
		t.Errorf("mate score round trip = %d, want %d", got, score.MateIn(3))
	}
}

func TestTranspositionKeepsMoveOnMovelessUpdate(t *testing.T) {
	tt, _ := NewTranspositionTable(1)
	const key = 42
	tt.Store(key, position.Move(0x0a1c), 10, 3, BoundLower)
	tt.Store(key, position.NoMove, 20, 4, BoundUpper)
	e, ok := tt.Probe(key)
	if !ok || e.Move != position.Move(0x0a1c) || e.Score != 20 {
		t.Errorf("got %+v, %v", e, ok)
	}
}

func TestTranspositionReplacement(t *testing.T) {
	tt, _ := NewTranspositionTable(1)
	stride := tt.mask + 1

	// Fill one bucket with deep entries of the current search.
	for i := uint64(0); i < bucketSize; i++ {
		tt.Store(7+i*stride, position.NoMove, 1, 10, BoundExact)
	}
	newKey := 7 + bucketSize*stride
	tt.Store(newKey, position.NoMove, 1, 2, BoundExact)
	if _, ok := tt.Probe(newKey); ok {
		t.Error("shallow entry replaced a deeper entry of the same search")
	}
	for i := uint64(0); i < bucketSize; i++ {
		if _, ok := tt.Probe(7 + i*stride); !ok {
			t.Errorf("entry %d lost", i)
		}
	}

	// The same entries from an older search are fair game.
	tt.NewSearch()
	tt.Store(newKey, position.NoMove, 1, 2, BoundExact)
	if _, ok := tt.Probe(newKey); !ok {
		t.Error("new entry not stored over stale entries")
	}

	// Same key, same search: a shallower bound does not overwrite.
	tt.Store(newKey, position.NoMove, 99, 1, BoundLower)
	if e, _ := tt.Probe(newKey); e.Score != 1 {
		t.Errorf("shallower bound overwrote entry: %+v", e)
	}
}

func TestTranspositionTornSlotReadsAsMiss(t *testing.T) {
	tt, _ := NewTranspositionTable(1)
	const key = 0xdead_beef
	tt.Store(key, position.Move(0x0a1c), 55, 6, BoundExact)

	b := &tt.buckets[key&tt.mask]
	for i := range b {
		if _, d := b[i].load(); d != 0 {
			// A second writer replaced the data word only.
			b[i].data.Store(pack(position.Move(0x0b2d), -7, 9, BoundLower, 0))
		}
	}
	if e, ok := tt.Probe(key); ok {
		t.Errorf("torn slot served as %+v", e)
	}
}

func TestTranspositionConcurrentAccess(t *testing.T) {
	tt, _ := NewTranspositionTable(1)

	// Every key has one fixed entry, so any hit must decode to exactly it.
	const keySpace = 4096
	keys := make([]uint64, keySpace)
	for i := range keys {
		keys[i] = uint64(i+1) * 0x9e37_79b9_7f4a_7c15
	}
	entryFor := func(key uint64) TTEntry {
		return TTEntry{
			Move:  position.Move(uint16(key>>20) | 1),
			Score: score.Score(int(key%2001) - 1000),
			Depth: int(key%60) + 1,
			Bound: Bound(key%3) + 1,
		}
	}

	const workers, rounds = 8, 20000
	var wg sync.WaitGroup
	for g := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range rounds {
				key := keys[(j*7+g*131)%keySpace]
				want := entryFor(key)
				if j%2 == g%2 {
					tt.Store(key, want.Move, want.Score, want.Depth, want.Bound)
					continue
				}
				if g == 0 && j%1000 == 1 {
					tt.NewSearch()
				}
				e, ok := tt.Probe(key)
				if !ok {
					continue
				}
				if e.Bound < BoundUpper || e.Bound > BoundExact || e.Depth < 1 || e.Depth > 60 {
					t.Errorf("key %x: out-of-range entry %+v", key, e)
					return
				}
				if e.Move != want.Move || e.Score != want.Score || e.Depth != want.Depth || e.Bound != want.Bound {
					t.Errorf("key %x: got %+v, want %+v", key, e, want)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestTranspositionSize(t *testing.T) {
	if _, err := NewTranspositionTable(0); !errors.Is(err, ErrInvalidHashSize) {
		t.Errorf("size 0: err = %v, want ErrInvalidHashSize", err)
	}
	if _, err := NewTranspositionTable(MaxHashMB + 1); !errors.Is(err, ErrInvalidHashSize) {
		t.Errorf("oversize: err = %v, want ErrInvalidHashSize", err)
	}

	tt, _ := NewTranspositionTable(1)
	if tt.SizeBytes() != 1<<20 {
		t.Errorf("SizeBytes = %d, want %d", tt.SizeBytes(), 1<<20)
	}
	if tt.HashFull() != 0 {
		t.Errorf("empty table HashFull = %d", tt.HashFull())
	}
	for k := uint64(0); k < 250; k++ {
		tt.Store(k, position.NoMove, 0, 1, BoundExact)
	}
	if got := tt.HashFull(); got != 250 {
		t.Errorf("HashFull = %d, want 250", got)
	}
	tt.Clear()
	if tt.HashFull() != 0 {
		t.Error("Clear left entries behind")
	}
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name     string
		limits   SearchLimits
		overhead time.Duration
		ply      int
		soft     time.Duration
		hard     time.Duration
	}{
		{
			name:     "movetime",
			limits:   SearchLimits{MoveTime: 500 * time.Millisecond},
			overhead: 50 * time.Millisecond,
			soft:     450 * time.Millisecond,
			hard:     450 * time.Millisecond,
		},
		{
			name:     "movetime below overhead",
			limits:   SearchLimits{MoveTime: 5 * time.Millisecond},
			overhead: 50 * time.Millisecond,
			soft:     time.Millisecond,
			hard:     time.Millisecond,
		},
		{
			name:   "depth only",
			limits: SearchLimits{Depth: 8},
		},
		{
			name:   "infinite",
			limits: SearchLimits{Infinite: true, Time: [2]time.Duration{time.Minute, time.Minute}},
		},
		{
			name:   "sudden death",
			limits: SearchLimits{Time: [2]time.Duration{60 * time.Second, time.Second}},
			ply:    0,
			soft:   60 * time.Second / 50,
			hard:   5 * 60 * time.Second / 50,
		},
		{
			name: "moves to go with increment",
			limits: SearchLimits{
				Time:      [2]time.Duration{10 * time.Second, 10 * time.Second},
				Inc:       [2]time.Duration{time.Second, time.Second},
				MovesToGo: 10,
			},
			soft: time.Second + 900*time.Millisecond,
			hard: 8 * time.Second,
		},
		{
			name:   "nearly flagged",
			limits: SearchLimits{Time: [2]time.Duration{5 * time.Millisecond}},
			soft:   minHardTime,
			hard:   minHardTime,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			soft, hard := Allocate(tc.limits, position.White, tc.ply, tc.overhead)
			if soft != tc.soft || hard != tc.hard {
				t.Errorf("Allocate = (%v, %v), want (%v, %v)", soft, hard, tc.soft, tc.hard)
			}
			if hard > 0 && soft > hard {
				t.Errorf("soft %v exceeds hard %v", soft, hard)
			}
		})
	}
}

func TestMoveOrdering(t *testing.T) {
	// White can capture the queen on d5 with the pawn or the knight.
	pos := mustFEN(t, "4k3/8/8/3q4/4P3/2N5/8/4K3 w - - 0 1")
	mo := NewMoveOrderer(0)

	quiet, _ := pos.ParseMove("e1f1")
	killer, _ := pos.ParseMove("c3b5")
	ttMove, _ := pos.ParseMove("e1f2")
	mo.UpdateKillers(killer, 3)

	moves := pos.LegalMoves()
	scores := make([]int32, len(moves))
	mo.ScoreMoves(pos, moves, scores, ttMove, 3)
	for i := range moves {
		PickMove(moves, scores, i)
	}

	want := []string{"e1f2", "e4d5", "c3d5", "c3b5"}
	for i, w := range want {
		if moves[i].String() != w {
			t.Errorf("move %d = %s, want %s (order %v)", i, moves[i], w, moves)
		}
	}

	mo.UpdateHistory(position.White, quiet, nil, 4)
	if mo.History(position.White, quiet) != 16 {
		t.Errorf("history = %d, want 16", mo.History(position.White, quiet))
	}
	mo.Reset()
	if mo.Killers(3)[0] != position.NoMove {
		t.Error("Reset kept killers")
	}
	if h := mo.History(position.White, quiet); h != 0 {
		t.Errorf("history after Reset = %d, want 0", h)
	}
}

func TestHistoryHalvesAtCap(t *testing.T) {
	pos := mustFEN(t, position.StartFEN)
	mo := NewMoveOrderer(0)
	quiet, _ := pos.ParseMove("g1f3")
	other, _ := pos.ParseMove("b1c3")

	mo.UpdateHistory(position.White, other, nil, 10)
	before := mo.History(position.White, other)
	// Each bonus is far below the cap, so the first overflow halves once.
	for mo.History(position.White, other) == before {
		mo.UpdateHistory(position.White, quiet, nil, MaxPly)
	}
	if got := mo.History(position.White, quiet); got > historyMax {
		t.Errorf("history %d above cap %d", got, historyMax)
	}
	if got := mo.History(position.White, other); got != before/2 {
		t.Errorf("unrelated history = %d, want %d after halving", got, before/2)
	}
}

func TestPickMoveIsStable(t *testing.T) {
	moves := []position.Move{1, 2, 3, 4}
	scores := []int32{5, 9, 9, 1}
	for i := range moves {
		PickMove(moves, scores, i)
	}
	want := []position.Move{2, 3, 1, 4}
	for i := range want {
		if moves[i] != want[i] {
			t.Fatalf("order = %v, want %v", moves, want)
		}
	}
}

func TestSearchReturnsLegalMove(t *testing.T) {
	fens := []string{
		position.StartFEN,
		"r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 2 3",
		"8/8/8/4k3/8/8/4P3/4K3 w - - 0 1",
		"r3k2r/p1ppqpb1/bn2pnp1/3PN3/1p2P3/2N2Q1p/PPPBBPPP/R3K2R w KQkq - 0 1",
		// In check: only evasions are legal.
		"4k3/8/8/8/8/8/3q4/4K3 w - - 0 1",
	}
	for _, fen := range fens {
		t.Run(fen, func(t *testing.T) {
			pos := mustFEN(t, fen)
			eng := newTestEngine(t, &materialEvaluator{}, 1)
			res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 3})
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if !isLegal(pos, res.Move) {
				t.Errorf("illegal move %s", res.Move)
			}
			if res.Depth != 3 {
				t.Errorf("depth = %d, want 3", res.Depth)
			}
			if len(res.PV) == 0 || res.PV[0] != res.Move {
				t.Errorf("pv %v does not start with %s", res.PV, res.Move)
			}
		})
	}
}

func TestSearchTerminalPosition(t *testing.T) {
	fens := map[string]string{
		"checkmate": "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3",
		"stalemate": "7k/5Q2/6K1/8/8/8/8/8 b - - 0 1",
	}
	for name, fen := range fens {
		t.Run(name, func(t *testing.T) {
			eval := &materialEvaluator{}
			eng := newTestEngine(t, eval, 1)
			_, err := eng.Search(context.Background(), mustFEN(t, fen), SearchLimits{Depth: 4})
			if !errors.Is(err, ErrTerminalPosition) {
				t.Errorf("err = %v, want ErrTerminalPosition", err)
			}
			if eval.calls.Load() != 0 {
				t.Errorf("evaluator called %d times", eval.calls.Load())
			}
		})
	}
}

func TestSearchUnboundedLimits(t *testing.T) {
	eng := newTestEngine(t, &materialEvaluator{}, 1)
	_, err := eng.Search(context.Background(), position.Start(), SearchLimits{})
	if !errors.Is(err, ErrUnboundedLimits) {
		t.Errorf("err = %v, want ErrUnboundedLimits", err)
	}
}

func TestDepthOneStartPosition(t *testing.T) {
	pos := position.Start()
	eng := newTestEngine(t, &materialEvaluator{}, 1)

	var infos []SearchInfo
	eng.OnInfo = func(info SearchInfo) { infos = append(infos, info) }

	res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 1})
	if err != nil {
		t.Fatal(err)
	}
	if p := pos.Moved(res.Move); p != position.Pawn && p != position.Knight {
		t.Errorf("opening move %s moves %d", res.Move, p)
	}
	if res.Score < -50 || res.Score > 50 {
		t.Errorf("score = %s, want near zero", res.Score)
	}
	if len(infos) != 1 || infos[0].Depth != 1 || infos[0].Nodes == 0 {
		t.Errorf("infos = %+v", infos)
	}
}

func TestMateInOne(t *testing.T) {
	pos := mustFEN(t, "6k1/5ppp/8/8/8/8/5PPP/3R2K1 w - - 0 1")

	tests := []struct {
		name   string
		limits SearchLimits
	}{
		{"depth", SearchLimits{Depth: 4}},
		{"mate limit", SearchLimits{Mate: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := newTestEngine(t, &materialEvaluator{}, 1)
			res, err := eng.Search(context.Background(), pos, tc.limits)
			if err != nil {
				t.Fatal(err)
			}
			if res.Move.String() != "d1d8" {
				t.Errorf("move = %s, want d1d8", res.Move)
			}
			if res.Score != score.MateIn(1) || res.Score.MateMoves() != 1 {
				t.Errorf("score = %s, want mate 1", res.Score)
			}
		})
	}
}

func TestMateScoreStableWithDepth(t *testing.T) {
	// Qg7 mates.
	pos := mustFEN(t, "5rk1/5p1p/5PpQ/8/8/8/8/6K1 w - - 0 1")
	var prev score.Score
	for depth := 3; depth <= 5; depth++ {
		eng := newTestEngine(t, &materialEvaluator{}, 1)
		res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: depth})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Score.IsMate() || res.Score < 0 {
			t.Fatalf("depth %d: score %s, want a mate for white", depth, res.Score)
		}
		if prev != 0 && res.Score < prev {
			t.Errorf("depth %d: mate score regressed from %s to %s", depth, prev, res.Score)
		}
		prev = res.Score
	}
}

func TestTablebaseGateDraw(t *testing.T) {
	pos := mustFEN(t, "8/8/8/4k3/8/8/8/R3K3 w - - 0 1")
	eval := &materialEvaluator{}
	prober := &drawProber{}
	eng := newTestEngine(t, eval, 1)
	eng.SetProber(prober)

	var tbHits uint64
	eng.OnInfo = func(info SearchInfo) { tbHits = info.TBHits }

	res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != score.Draw {
		t.Errorf("score = %s, want draw", res.Score)
	}
	if !isLegal(pos, res.Move) {
		t.Errorf("illegal move %s", res.Move)
	}
	if n := eval.calls.Load(); n != 0 {
		t.Errorf("evaluator called %d times behind the gate", n)
	}
	if prober.probes.Load() == 0 || tbHits == 0 {
		t.Errorf("probes = %d, tbhits = %d", prober.probes.Load(), tbHits)
	}
}

// stalledProber never answers a blocking lookup but serves draws from
// memory.
type stalledProber struct {
	drawProber
	blocking atomic.Int64
}

func (p *stalledProber) Probe(ctx context.Context, _ *position.Position) (tablebase.ProbeResult, error) {
	p.blocking.Add(1)
	<-ctx.Done()
	return tablebase.ProbeResult{}, ctx.Err()
}

func (p *stalledProber) ProbeAsync(pos *position.Position) (tablebase.ProbeResult, error) {
	return p.drawProber.Probe(context.Background(), pos)
}

func TestTablebaseGateDoesNotBlock(t *testing.T) {
	pos := mustFEN(t, "8/8/8/4k3/8/8/8/R3K3 w - - 0 1")
	prober := &stalledProber{}
	eng := newTestEngine(t, &materialEvaluator{}, 2)
	eng.SetProber(prober)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := eng.Search(ctx, pos, SearchLimits{Depth: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != score.Draw || res.Depth != 4 {
		t.Errorf("result = %+v, want a depth 4 draw", res)
	}
	if n := prober.blocking.Load(); n != 0 {
		t.Errorf("search made %d blocking lookups", n)
	}
	if prober.probes.Load() == 0 {
		t.Error("tablebase not consulted")
	}
}

func TestMoveTimeWithSlowEvaluator(t *testing.T) {
	eval := &materialEvaluator{delay: 2 * time.Millisecond}
	eng := newTestEngine(t, eval, 1)

	start := time.Now()
	res, err := eng.Search(context.Background(), position.Start(), SearchLimits{MoveTime: 50 * time.Millisecond})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if !isLegal(position.Start(), res.Move) {
		t.Errorf("illegal move %s", res.Move)
	}
	if res.Depth < 1 {
		t.Errorf("depth = %d", res.Depth)
	}
	if elapsed > 50*time.Millisecond+250*time.Millisecond {
		t.Errorf("search took %v with movetime 50ms", elapsed)
	}
}

func TestMoveTimeStopsPendingFirstIteration(t *testing.T) {
	// Each evaluation outlasts half the budget, so the first iteration is
	// still running when the hard limit fires.
	eval := &materialEvaluator{delay: 25 * time.Millisecond}
	eng := newTestEngine(t, eval, 1)

	start := time.Now()
	res, err := eng.Search(context.Background(), position.Start(), SearchLimits{MoveTime: 50 * time.Millisecond})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if !isLegal(position.Start(), res.Move) {
		t.Errorf("illegal move %s", res.Move)
	}
	if res.Depth < 1 {
		t.Errorf("depth = %d", res.Depth)
	}
	if elapsed > 50*time.Millisecond+250*time.Millisecond {
		t.Errorf("search took %v with movetime 50ms and %d evaluations", elapsed, eval.calls.Load())
	}
}

func TestSearchHonoursBoardCheckedRights(t *testing.T) {
	tests := []struct {
		name      string
		fen       string
		forbidden []string
	}{
		{"rights without rooks", "4k3/8/8/8/8/8/8/4K3 w KQ - 0 1", []string{"e1g1", "e1c1"}},
		{"rights without rook against pawns", "4k3/pppppppp/8/8/8/8/8/4K3 w K - 0 1", []string{"e1g1"}},
		{"king off its square", "4k3/8/8/8/8/8/8/R2K3R w KQ - 0 1", []string{"d1f1", "d1b1"}},
		{"partial rights", "r3k3/8/8/8/8/8/8/R3K2R b KQkq - 0 1", []string{"e8g8"}},
		{"en passant available", "4k3/8/8/3pP3/8/8/8/4K3 w - d6 0 1", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pos := mustFEN(t, tc.fen)
			eng := newTestEngine(t, &materialEvaluator{}, 1)
			res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 3})
			if err != nil {
				t.Fatal(err)
			}
			if !isLegal(pos, res.Move) {
				t.Fatalf("illegal best move %s", res.Move)
			}
			for _, f := range tc.forbidden {
				if res.Move.String() == f {
					t.Errorf("played %s without the right to castle", f)
				}
			}
			checkLine(t, pos, res.PV)
		})
	}
}

func TestSearchCancelledByContext(t *testing.T) {
	eng := newTestEngine(t, &materialEvaluator{}, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := eng.Search(ctx, position.Start(), SearchLimits{Infinite: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Depth < 1 || !isLegal(position.Start(), res.Move) {
		t.Errorf("result = %+v", res)
	}
}

func TestStopDuringSearch(t *testing.T) {
	eng := newTestEngine(t, &materialEvaluator{}, 1)
	started := make(chan struct{}, 1)
	eng.OnInfo = func(SearchInfo) {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	done := make(chan SearchResult, 1)
	go func() {
		res, err := eng.Search(context.Background(), position.Start(), SearchLimits{Infinite: true})
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	<-started
	eng.Stop()
	select {
	case res := <-done:
		if !isLegal(position.Start(), res.Move) {
			t.Errorf("illegal move %s", res.Move)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("search did not stop")
	}
}

func TestNodeLimit(t *testing.T) {
	eng := newTestEngine(t, &materialEvaluator{}, 1)
	res, err := eng.Search(context.Background(), position.Start(), SearchLimits{Nodes: 5000})
	if err != nil {
		t.Fatal(err)
	}
	if res.Nodes > 5000+2*nodeCheckInterval {
		t.Errorf("searched %d nodes with a 5000 node limit", res.Nodes)
	}
}

func TestSearchMoves(t *testing.T) {
	pos := position.Start()
	only, _ := pos.ParseMove("a2a3")
	eng := newTestEngine(t, &materialEvaluator{}, 1)
	res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 3, SearchMoves: []position.Move{only}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Move != only {
		t.Errorf("move = %s, want a2a3", res.Move)
	}
}

func TestLazySMP(t *testing.T) {
	pos := mustFEN(t, "r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 2 3")
	eng := newTestEngine(t, &materialEvaluator{}, 4)
	res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Depth != 4 {
		t.Errorf("depth = %d, want 4", res.Depth)
	}
	if !isLegal(pos, res.Move) {
		t.Errorf("illegal move %s", res.Move)
	}
}

func TestSearchDeterministic(t *testing.T) {
	pos := mustFEN(t, "r3k2r/p1ppqpb1/bn2pnp1/3PN3/1p2P3/2N2Q1p/PPPBBPPP/R3K2R w KQkq - 0 1")
	var first SearchResult
	for i := 0; i < 2; i++ {
		eng := newTestEngine(t, &materialEvaluator{}, 1)
		res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 3})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = res
			continue
		}
		if res.Move != first.Move || res.Score != first.Score {
			t.Errorf("run 2 = %s %s, run 1 = %s %s", res.Move, res.Score, first.Move, first.Score)
		}
	}
}

func TestEvaluatorFailureFallsBack(t *testing.T) {
	eval := &materialEvaluator{err: errors.New("device lost")}
	eng := newTestEngine(t, eval, 1)
	pos := position.Start()
	res, err := eng.Search(context.Background(), pos, SearchLimits{Depth: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !isLegal(pos, res.Move) || res.Depth != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestPerft(t *testing.T) {
	eng := newTestEngine(t, &materialEvaluator{}, 1)
	if n := eng.Perft(position.Start(), 3); n != 8902 {
		t.Errorf("perft(3) = %d, want 8902", n)
	}
}
