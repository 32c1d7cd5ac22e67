package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
	"github.com/hailam/nnchess/internal/tablebase"
)

// Evaluator scores a position from the side to move.
type Evaluator interface {
	Evaluate(ctx context.Context, pos *position.Position) (score.Score, error)
}

// producerHinter is implemented by evaluators that batch across threads.
type producerHinter interface {
	SetProducers(n int)
}

// MaxThreads bounds the number of search workers.
const MaxThreads = 256

// Options configures an Engine.
type Options struct {
	HashMB       int
	Threads      int
	MoveOverhead time.Duration
	Prober       tablebase.Prober
	Log          zerolog.Logger
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		HashMB:       64,
		Threads:      1,
		MoveOverhead: 30 * time.Millisecond,
		Prober:       tablebase.NoopProber{},
		Log:          zerolog.Nop(),
	}
}

// Engine is the chess search engine. Configuration setters must not be
// called while a search runs.
type Engine struct {
	tt       *TranspositionTable
	eval     Evaluator
	prober   tablebase.Prober
	threads  int
	overhead time.Duration
	log      zerolog.Logger

	// orderers persist across searches so history carries over.
	orderers []*MoveOrderer

	searching atomic.Bool
	mu        sync.Mutex
	cur       *searchState

	// Callbacks
	OnInfo func(SearchInfo)
}

// New creates an engine using eval for leaf evaluation.
func New(eval Evaluator, opts Options) (*Engine, error) {
	if eval == nil {
		return nil, fmt.Errorf("engine: nil evaluator")
	}
	tt, err := NewTranspositionTable(opts.HashMB)
	if err != nil {
		return nil, err
	}
	if opts.Prober == nil {
		opts.Prober = tablebase.NoopProber{}
	}
	e := &Engine{
		tt:       tt,
		eval:     eval,
		prober:   opts.Prober,
		overhead: opts.MoveOverhead,
		log:      opts.Log,
	}
	e.SetThreads(opts.Threads)
	return e, nil
}

// SetThreads sets the number of search workers, clamped to [1, MaxThreads].
func (e *Engine) SetThreads(n int) {
	n = max(1, min(n, MaxThreads))
	e.threads = n
	for len(e.orderers) < n {
		e.orderers = append(e.orderers, NewMoveOrderer(len(e.orderers)))
	}
	e.orderers = e.orderers[:n]
}

// Threads returns the number of search workers.
func (e *Engine) Threads() int { return e.threads }

// SetHashSize resizes the transposition table, dropping its contents.
func (e *Engine) SetHashSize(mb int) error {
	if e.searching.Load() {
		return ErrSearching
	}
	return e.tt.Resize(mb)
}

// HashSize returns the table size in bytes.
func (e *Engine) HashSize() uint64 { return e.tt.SizeBytes() }

// SetMoveOverhead sets the time reserved per move for communication lag.
func (e *Engine) SetMoveOverhead(d time.Duration) { e.overhead = max(d, 0) }

// SetProber replaces the tablebase prober. nil disables the gate.
func (e *Engine) SetProber(p tablebase.Prober) {
	if p == nil {
		p = tablebase.NoopProber{}
	}
	e.prober = p
}

// Prober returns the tablebase prober.
func (e *Engine) Prober() tablebase.Prober { return e.prober }

// SetEvaluator replaces the leaf evaluator.
func (e *Engine) SetEvaluator(eval Evaluator) error {
	if eval == nil {
		return fmt.Errorf("engine: nil evaluator")
	}
	if e.searching.Load() {
		return ErrSearching
	}
	e.eval = eval
	return nil
}

// Evaluator returns the leaf evaluator.
func (e *Engine) Evaluator() Evaluator { return e.eval }

// NewGame forgets everything learned in previous searches.
func (e *Engine) NewGame() {
	e.Clear()
}

// Clear clears the transposition table and move ordering heuristics.
func (e *Engine) Clear() {
	e.tt.Clear()
	for _, mo := range e.orderers {
		mo.Reset()
	}
}

// Searching reports whether a search is running.
func (e *Engine) Searching() bool { return e.searching.Load() }

// Stop stops the current search. The search returns the result of its last
// completed depth.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		e.cur.requestStop()
	}
}

// Search finds the best move in pos under limits. Cancelling ctx has the same
// effect as Stop. pos is not modified.
func (e *Engine) Search(ctx context.Context, pos *position.Position, limits SearchLimits) (SearchResult, error) {
	us := pos.SideToMove()
	if !limits.bounded(us) {
		return SearchResult{}, ErrUnboundedLimits
	}
	rootMoves := filterRootMoves(pos.LegalMoves(), limits.SearchMoves)
	if len(rootMoves) == 0 {
		return SearchResult{}, ErrTerminalPosition
	}
	if !e.searching.CompareAndSwap(false, true) {
		return SearchResult{}, ErrSearching
	}
	defer e.searching.Store(false)

	gamePly := (pos.FullmoveNumber()-1)*2 + int(us)
	soft, hard := Allocate(limits, us, gamePly, e.overhead)

	s := newSearchState(ctx, e, limits, rootMoves)
	defer s.cancelEval()
	e.mu.Lock()
	e.cur = s
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cur = nil
		e.mu.Unlock()
	}()
	stopOnCancel := context.AfterFunc(ctx, s.requestStop)
	defer stopOnCancel()

	e.tt.NewSearch()
	if h, ok := e.eval.(producerHinter); ok {
		h.SetProducers(e.threads)
	}

	s.workers = make([]*Worker, e.threads)
	for i := range s.workers {
		e.orderers[i].Reset()
		s.workers[i] = newWorker(i, s, pos, e.orderers[i])
	}

	s.tm.Start(soft, hard, s.requestStop)
	defer s.tm.Stop()
	s.log.Debug().
		Int("threads", e.threads).
		Dur("soft", s.tm.SoftTime()).
		Dur("hard", s.tm.HardTime()).
		Int("moves", len(rootMoves)).
		Msg("search started")

	var g errgroup.Group
	for _, w := range s.workers {
		g.Go(func() error {
			w.iterate()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SearchResult{}, err
	}

	res := s.result()
	elapsed := s.tm.Elapsed()
	s.log.Debug().
		Str("move", res.Move.String()).
		Str("score", res.Score.String()).
		Int("depth", res.Depth).
		Str("nodes", humanize.Comma(int64(res.Nodes))).
		Str("nps", humanize.SIWithDigits(nps(res.Nodes, elapsed), 1, "")).
		Dur("elapsed", elapsed).
		Msg("search finished")
	for _, w := range s.workers {
		s.log.Trace().Int("worker", w.ID()).Uint64("nodes", w.Nodes()).Msg("worker finished")
	}
	return res, nil
}

// filterRootMoves keeps the legal moves listed in only, or all moves when
// only is empty or names no legal move.
func filterRootMoves(legal, only []position.Move) []position.Move {
	if len(only) == 0 {
		return legal
	}
	var out []position.Move
	for _, m := range legal {
		for _, o := range only {
			if m == o {
				out = append(out, m)
				break
			}
		}
	}
	if len(out) == 0 {
		return legal
	}
	return out
}

func nps(nodes uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(nodes) / elapsed.Seconds()
}

// searchState is shared by the workers of one search.
type searchState struct {
	id     uuid.UUID
	log    zerolog.Logger
	limits SearchLimits
	tm     TimeManager

	tt        *TranspositionTable
	eval      Evaluator
	prober    tablebase.Prober
	gateOn    bool
	maxPieces int

	rootMoves []position.Move
	workers   []*Worker

	evalCtx    context.Context
	cancelEval context.CancelFunc

	stop     atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	evalErrOnce  sync.Once
	probeErrOnce sync.Once

	onInfo func(SearchInfo)

	mu        sync.Mutex
	best      SearchResult
	completed bool
}

func newSearchState(ctx context.Context, e *Engine, limits SearchLimits, rootMoves []position.Move) *searchState {
	id := uuid.New()
	s := &searchState{
		id:        id,
		log:       e.log.With().Str("search", id.String()).Logger(),
		limits:    limits,
		tt:        e.tt,
		eval:      e.eval,
		prober:    e.prober,
		gateOn:    e.prober.Available(),
		maxPieces: e.prober.MaxPieces(),
		rootMoves: rootMoves,
		stopCh:    make(chan struct{}),
		onInfo:    e.OnInfo,
	}
	s.evalCtx, s.cancelEval = context.WithCancel(ctx)
	return s
}

// requestStop raises the stop flag and interrupts pending evaluations.
func (s *searchState) requestStop() {
	s.stopOnce.Do(func() {
		s.stop.Store(true)
		close(s.stopCh)
		s.cancelEval()
	})
}

func (s *searchState) totalNodes() uint64 {
	var n uint64
	for _, w := range s.workers {
		n += w.Nodes()
	}
	return n
}

func (s *searchState) totalTBHits() uint64 {
	var n uint64
	for _, w := range s.workers {
		n += w.tbHits.Load()
	}
	return n
}

// complete records a finished iteration. The deepest result wins; among
// equal depths the first to finish is kept.
func (s *searchState) complete(w *Worker, depth int, v score.Score, pv []position.Move) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed && depth <= s.best.Depth {
		return
	}
	s.completed = true
	s.best = SearchResult{Move: pv[0], Score: v, PV: pv, Depth: depth}
}

func (s *searchState) result() SearchResult {
	s.mu.Lock()
	res := s.best
	s.mu.Unlock()
	res.Nodes = s.totalNodes()
	return res
}

// report emits progress for a depth completed by the main worker.
func (s *searchState) report(w *Worker, depth int, v score.Score, pv []position.Move) {
	if s.onInfo == nil {
		return
	}
	nodes := s.totalNodes()
	elapsed := s.tm.Elapsed()
	s.onInfo(SearchInfo{
		Depth:    depth,
		SelDepth: max(w.selDepth, depth),
		Score:    v,
		Nodes:    nodes,
		NPS:      uint64(nps(nodes, elapsed)),
		Time:     elapsed,
		HashFull: s.tt.HashFull(),
		TBHits:   s.totalTBHits(),
		PV:       pv,
	})
}

func (s *searchState) evalFailed(err error) {
	s.evalErrOnce.Do(func() {
		s.log.Warn().Err(err).Msg("evaluator failed, using material fallback")
	})
}

func (s *searchState) probeFailed(err error) {
	s.probeErrOnce.Do(func() {
		s.log.Warn().Err(err).Msg("tablebase probe failed, searching normally")
	})
}

// Perft counts the leaf nodes of the legal move tree to depth.
func (e *Engine) Perft(pos *position.Position, depth int) uint64 {
	if depth == 0 {
		return 1
	}

	moves := pos.LegalMoves()
	if depth == 1 {
		return uint64(len(moves))
	}

	var nodes uint64
	for _, m := range moves {
		pos.Make(m)
		nodes += e.Perft(pos, depth-1)
		pos.Unmake()
	}
	return nodes
}
