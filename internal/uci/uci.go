// Package uci implements the line-oriented command protocol. It accepts the
// short command names (new-game, set-position, set-option) as well as the
// usual UCI spellings.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hailam/nnchess/internal/engine"
	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/tablebase"
)

// Engine identification.
const (
	Name   = "nnchess"
	Author = "the nnchess authors"
)

// Loader builds the components named by file-valued options.
type Loader interface {
	LoadEvaluator(path string) (engine.Evaluator, error)
	OpenTablebase(path string, online bool) (tablebase.Prober, error)
}

// UCI implements the protocol over one engine.
type UCI struct {
	engine *engine.Engine
	loader Loader
	log    zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	position *position.Position
	debug    bool

	// Option state that is rebuilt as a whole
	evalFile     string
	syzygyPath   string
	syzygyOnline bool

	// Search state
	searchDone chan struct{}
	cancel     context.CancelFunc
}

// New creates a protocol handler writing responses to out. loader may be nil,
// in which case EvalFile and SyzygyPath are refused.
func New(eng *engine.Engine, loader Loader, out io.Writer, log zerolog.Logger) *UCI {
	u := &UCI{
		engine:   eng,
		loader:   loader,
		log:      log.With().Str("component", "uci").Logger(),
		out:      out,
		position: position.Start(),
	}
	eng.OnInfo = u.sendInfo
	return u
}

// SetOutput redirects responses, for transports that attach per session.
func (u *UCI) SetOutput(out io.Writer) {
	u.outMu.Lock()
	u.out = out
	u.outMu.Unlock()
}

// SetEvalFile records the weight file the current evaluator was loaded from.
func (u *UCI) SetEvalFile(path string) { u.evalFile = path }

// SetSyzygy records the tablebase settings the current prober was built from.
func (u *UCI) SetSyzygy(path string, online bool) {
	u.syzygyPath = path
	u.syzygyOnline = online
}

// Run reads commands from in until quit or end of input.
func (u *UCI) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if u.Execute(scanner.Text()) {
			return nil
		}
	}
	u.Close()
	return scanner.Err()
}

// Execute handles one command line. It returns true after quit.
func (u *UCI) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	parts := strings.Fields(line)
	cmd := parts[0]
	args := parts[1:]
	u.log.Debug().Str("cmd", line).Msg("command")

	switch cmd {
	case "uci":
		u.handleUCI()
	case "isready":
		u.println("readyok")
	case "new-game", "ucinewgame":
		u.handleNewGame()
	case "set-position", "position":
		u.handlePosition(args)
	case "go":
		u.handleGo(args)
	case "stop":
		u.handleStop()
	case "set-option", "setoption":
		u.handleSetOption(args)
	case "quit":
		u.Close()
		return true
	case "debug":
		u.debug = len(args) > 0 && args[0] == "on"
	case "ponderhit":
	// Debug commands
	case "d", "display":
		u.println(u.position.String())
	case "perft":
		u.handlePerft(args)
	default:
		u.infoString("unknown command: %s", cmd)
	}
	return false
}

// Close stops any search and releases the evaluator and tablebase.
func (u *UCI) Close() {
	u.handleStop()
	closeComponent(u.engine.Evaluator())
	closeComponent(u.engine.Prober())
}

func closeComponent(c any) {
	switch c := c.(type) {
	case io.Closer:
		c.Close()
	case interface{ Close() }:
		c.Close()
	}
}

func (u *UCI) println(s string) {
	u.outMu.Lock()
	defer u.outMu.Unlock()
	fmt.Fprintln(u.out, s)
}

func (u *UCI) printf(format string, args ...any) {
	u.outMu.Lock()
	defer u.outMu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

func (u *UCI) infoString(format string, args ...any) {
	u.printf("info string "+format+"\n", args...)
}

// handleUCI responds to the "uci" command.
func (u *UCI) handleUCI() {
	u.printf("id name %s\n", Name)
	u.printf("id author %s\n", Author)
	u.println("")
	u.printf("option name Hash type spin default 64 min 1 max %d\n", engine.MaxHashMB)
	u.printf("option name Threads type spin default 1 min 1 max %d\n", engine.MaxThreads)
	u.println("option name MoveOverhead type spin default 30 min 0 max 5000")
	u.println("option name EvalFile type string default <empty>")
	u.println("option name SyzygyPath type string default <empty>")
	u.println("option name SyzygyOnline type check default false")
	u.println("option name Clear Hash type button")
	u.println("uciok")
}

func (u *UCI) searching() bool { return u.searchDone != nil }

// handleNewGame resets the engine for a new game.
func (u *UCI) handleNewGame() {
	u.handleStop()
	u.engine.NewGame()
	u.position = position.Start()
}

// handlePosition parses and sets up a position. Formats:
//   - startpos [moves e2e4 e7e5]
//   - fen <fen> [moves ...]
//   - <fen> [moves ...]
//
// On error the previous position is kept.
func (u *UCI) handlePosition(args []string) {
	u.reap()
	if u.searching() {
		u.infoString("warning: position ignored while searching")
		return
	}
	pos, err := parsePosition(args)
	if err != nil {
		u.infoString("error: %v", err)
		return
	}
	u.position = pos
}

func parsePosition(args []string) (*position.Position, error) {
	if len(args) == 0 {
		return nil, errors.New("missing position")
	}

	movesAt := len(args)
	for i, arg := range args {
		if arg == "moves" {
			movesAt = i
			break
		}
	}

	var pos *position.Position
	var err error
	switch args[0] {
	case "startpos":
		pos = position.Start()
	case "fen":
		pos, err = position.FromFEN(strings.Join(args[1:movesAt], " "))
	default:
		pos, err = position.FromFEN(strings.Join(args[:movesAt], " "))
	}
	if err != nil {
		return nil, err
	}

	if movesAt < len(args) {
		if err := pos.ApplyMoves(args[movesAt+1:]); err != nil {
			return nil, err
		}
		pos.Commit()
	}
	return pos, nil
}

// parseLimits parses "go" command arguments.
func parseLimits(pos *position.Position, args []string) (engine.SearchLimits, error) {
	var limits engine.SearchLimits

	next := func(i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("go: %s needs a value", args[i])
		}
		return args[i+1], nil
	}
	millis := func(i int) (time.Duration, error) {
		v, err := next(i)
		if err != nil {
			return 0, err
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("go: %s: %w", args[i], err)
		}
		// Clocks can run negative in some GUIs.
		return time.Duration(max(ms, 1)) * time.Millisecond, nil
	}
	integer := func(i int) (int, error) {
		v, err := next(i)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("go: bad %s %q", args[i], v)
		}
		return n, nil
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "depth":
			limits.Depth, err = integer(i)
			i++
		case "nodes":
			var n int
			n, err = integer(i)
			limits.Nodes = uint64(n)
			i++
		case "mate":
			limits.Mate, err = integer(i)
			i++
		case "movestogo":
			limits.MovesToGo, err = integer(i)
			i++
		case "movetime":
			limits.MoveTime, err = millis(i)
			i++
		case "wtime":
			limits.Time[position.White], err = millis(i)
			i++
		case "btime":
			limits.Time[position.Black], err = millis(i)
			i++
		case "winc":
			limits.Inc[position.White], err = millis(i)
			i++
		case "binc":
			limits.Inc[position.Black], err = millis(i)
			i++
		case "infinite":
			limits.Infinite = true
		case "ponder":
		case "searchmoves":
			for i+1 < len(args) {
				m, perr := pos.ParseMove(args[i+1])
				if perr != nil {
					break
				}
				limits.SearchMoves = append(limits.SearchMoves, m)
				i++
			}
		default:
			err = fmt.Errorf("go: unknown parameter %q", args[i])
		}
		if err != nil {
			return limits, err
		}
	}
	return limits, nil
}

// handleGo starts a search with the given parameters.
func (u *UCI) handleGo(args []string) {
	u.reap()
	if u.searching() {
		u.infoString("warning: already searching")
		return
	}
	limits, err := parseLimits(u.position, args)
	if err != nil {
		u.infoString("error: %v", err)
		return
	}
	if u.debug {
		u.infoString("limits %+v", limits)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	u.cancel = cancel
	u.searchDone = done

	pos := u.position.Clone()
	go func() {
		defer close(done)
		defer cancel()

		res, err := u.engine.Search(ctx, pos, limits)
		if err != nil {
			u.infoString("error: %v", err)
			u.println("bestmove 0000")
			return
		}
		if len(res.PV) > 1 {
			u.printf("bestmove %s ponder %s\n", res.Move, res.PV[1])
			return
		}
		u.printf("bestmove %s\n", res.Move)
	}()
}

// sendInfo outputs search info in UCI format.
func (u *UCI) sendInfo(info engine.SearchInfo) {
	parts := []string{
		fmt.Sprintf("depth %d", info.Depth),
		fmt.Sprintf("seldepth %d", info.SelDepth),
		"score " + info.Score.String(),
		fmt.Sprintf("nodes %d", info.Nodes),
		fmt.Sprintf("nps %d", info.NPS),
		fmt.Sprintf("time %d", info.Time.Milliseconds()),
		fmt.Sprintf("hashfull %d", info.HashFull),
		fmt.Sprintf("tbhits %d", info.TBHits),
	}
	if len(info.PV) > 0 {
		pv := make([]string, len(info.PV))
		for i, m := range info.PV {
			pv[i] = m.String()
		}
		parts = append(parts, "pv "+strings.Join(pv, " "))
	}
	u.printf("info %s\n", strings.Join(parts, " "))
}

// handleStop stops the current search and waits for its bestmove.
func (u *UCI) handleStop() {
	if !u.searching() {
		return
	}
	// Cancelling also stops a search that has not started yet.
	u.cancel()
	<-u.searchDone
	u.searchDone = nil
	u.cancel = nil
}

// Wait blocks until the running search, if any, has printed its bestmove.
func (u *UCI) Wait() {
	if !u.searching() {
		return
	}
	<-u.searchDone
	u.reap()
}

// reap forgets a search that already finished on its own.
func (u *UCI) reap() {
	if u.searchDone == nil {
		return
	}
	select {
	case <-u.searchDone:
		u.searchDone = nil
		u.cancel = nil
	default:
	}
}

// handleSetOption processes "setoption name <name> value <value>" and the
// bare "set-option <name> <value>" form.
func (u *UCI) handleSetOption(args []string) {
	name, value := parseOption(args)
	u.reap()
	if u.searching() {
		u.infoString("warning: option %s ignored while searching", name)
		return
	}

	switch strings.ToLower(name) {
	case "hash":
		mb, err := strconv.Atoi(value)
		if err == nil {
			err = u.engine.SetHashSize(mb)
		}
		if err != nil {
			u.infoString("error: Hash %q: %v", value, err)
			return
		}
		u.log.Info().Str("size", humanize.IBytes(u.engine.HashSize())).Msg("hash resized")
	case "threads":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			u.infoString("error: Threads %q: want a positive integer", value)
			return
		}
		u.engine.SetThreads(n)
	case "moveoverhead":
		ms, err := strconv.Atoi(value)
		if err != nil || ms < 0 {
			u.infoString("error: MoveOverhead %q: want milliseconds", value)
			return
		}
		u.engine.SetMoveOverhead(time.Duration(ms) * time.Millisecond)
	case "evalfile":
		u.loadEvaluator(value)
	case "syzygypath":
		if value == "<empty>" {
			value = ""
		}
		u.openTablebase(value, u.syzygyOnline)
	case "syzygyonline":
		on, err := strconv.ParseBool(value)
		if err != nil {
			u.infoString("error: SyzygyOnline %q: want true or false", value)
			return
		}
		u.openTablebase(u.syzygyPath, on)
	case "clear hash":
		u.engine.Clear()
	default:
		u.infoString("warning: unknown option %q", name)
	}
}

func parseOption(args []string) (name, value string) {
	if len(args) == 0 || args[0] != "name" {
		if strings.EqualFold(strings.Join(args, " "), "clear hash") {
			return "Clear Hash", ""
		}
		if len(args) > 0 {
			name = args[0]
			value = strings.Join(args[1:], " ")
		}
		return name, value
	}

	var names, values []string
	readingValue := false
	for _, arg := range args[1:] {
		switch {
		case arg == "value" && !readingValue:
			readingValue = true
		case readingValue:
			values = append(values, arg)
		default:
			names = append(names, arg)
		}
	}
	return strings.Join(names, " "), strings.Join(values, " ")
}

func (u *UCI) loadEvaluator(path string) {
	if u.loader == nil {
		u.infoString("error: EvalFile cannot be changed")
		return
	}
	eval, err := u.loader.LoadEvaluator(path)
	if err != nil {
		u.infoString("error: EvalFile %q: %v", path, err)
		return
	}
	old := u.engine.Evaluator()
	if err := u.engine.SetEvaluator(eval); err != nil {
		closeComponent(eval)
		u.infoString("error: %v", err)
		return
	}
	closeComponent(old)
	u.evalFile = path
	if b, ok := eval.(interface{ BackendName() string }); ok {
		u.infoString("evaluator loaded from %s on %s", path, b.BackendName())
		return
	}
	u.infoString("evaluator loaded from %s", path)
}

func (u *UCI) openTablebase(path string, online bool) {
	if u.loader == nil {
		u.infoString("error: tablebase options cannot be changed")
		return
	}
	prober, err := u.loader.OpenTablebase(path, online)
	if err != nil {
		u.infoString("error: SyzygyPath %q: %v", path, err)
		return
	}
	old := u.engine.Prober()
	u.engine.SetProber(prober)
	closeComponent(old)
	u.syzygyPath = path
	u.syzygyOnline = online
	if prober.Available() {
		u.infoString("tablebases up to %d pieces", prober.MaxPieces())
	}
}

// handlePerft runs a perft test, listing the count below each root move.
func (u *UCI) handlePerft(args []string) {
	depth := 5
	if len(args) > 0 {
		d, err := strconv.Atoi(args[0])
		if err != nil || d < 1 {
			u.infoString("error: perft depth %q", args[0])
			return
		}
		depth = d
	}

	pos := u.position.Clone()
	start := time.Now()
	var total uint64
	for _, m := range pos.LegalMoves() {
		pos.Make(m)
		n := u.engine.Perft(pos, depth-1)
		pos.Unmake()
		total += n
		u.printf("%s: %d\n", m, n)
	}
	elapsed := time.Since(start)

	u.println("")
	u.printf("Nodes searched: %d\n", total)
	u.printf("Time: %v\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		u.printf("NPS: %s\n", humanize.Comma(int64(float64(total)/elapsed.Seconds())))
	}
}
