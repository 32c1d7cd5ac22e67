// Package xboard implements the Chess Engine Communication Protocol used by
// XBoard, WinBoard and compatible interfaces.
package xboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hailam/nnchess/internal/engine"
	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
)

// Name is announced with the myname feature.
const Name = "nnchess"

// Default time control until the interface sends level: 40 moves in five
// minutes.
const (
	defaultMPS  = 40
	defaultBase = 5 * time.Minute
)

// Mate scores are reported as 100000 plus the moves to mate.
const mateReport = 100000

// XBoard implements the protocol over one engine.
type XBoard struct {
	engine *engine.Engine
	log    zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	// mu guards game and gen, which the search goroutine touches when it
	// plays its move.
	mu   sync.Mutex
	game *game
	gen  uint64

	force     bool
	analyzing bool
	post      atomic.Bool
	// showAll prints thinking regardless of post, for analysis searches.
	showAll atomic.Bool

	// Time control
	mps      int
	base     time.Duration
	inc      time.Duration
	moveTime time.Duration
	depth    int
	clock    time.Duration
	oppClock time.Duration

	searchDone chan struct{}
	cancel     context.CancelFunc
}

// New creates a protocol handler writing responses to out.
func New(eng *engine.Engine, out io.Writer, log zerolog.Logger) *XBoard {
	x := &XBoard{
		engine:   eng,
		log:      log.With().Str("component", "xboard").Logger(),
		out:      out,
		game:     newGame(position.Start()),
		mps:      defaultMPS,
		base:     defaultBase,
		clock:    defaultBase,
		oppClock: defaultBase,
	}
	eng.OnInfo = x.sendThinking
	return x
}

// SetOutput redirects responses.
func (x *XBoard) SetOutput(out io.Writer) {
	x.outMu.Lock()
	x.out = out
	x.outMu.Unlock()
}

// Run reads commands from in until quit or end of input.
func (x *XBoard) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if x.Execute(scanner.Text()) {
			return nil
		}
	}
	x.Close()
	return scanner.Err()
}

// Execute handles one command line. It returns true after quit.
func (x *XBoard) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]
	x.log.Debug().Str("cmd", line).Msg("command")

	switch cmd {
	case "xboard", "accepted", "rejected", "random", "hard", "easy", "hint",
		"bk", "computer", "name", "rating", "ics", "draw", ".":
	case "protover":
		x.features()
	case "new":
		x.handleNew()
	case "force":
		x.abort()
		x.force = true
	case "go":
		x.reap()
		x.force = false
		if !x.searching() {
			x.think()
		}
	case "playother":
		x.reap()
		x.force = false
	case "level":
		x.handleLevel(line, args)
	case "st":
		if secs, ok := x.number(line, args); ok {
			x.moveTime = time.Duration(secs * float64(time.Second))
		}
	case "sd":
		if d, ok := x.number(line, args); ok {
			x.depth = int(d)
		}
	case "time", "otim":
		cs, ok := x.number(line, args)
		if !ok {
			return false
		}
		d := time.Duration(cs) * 10 * time.Millisecond
		if cmd == "time" {
			x.clock = d
		} else {
			x.oppClock = d
		}
	case "memory":
		if mb, ok := x.number(line, args); ok {
			if err := x.engine.SetHashSize(int(mb)); err != nil {
				x.errorf("invalid memory", line)
			}
		}
	case "cores":
		if n, ok := x.number(line, args); ok && n >= 1 {
			x.engine.SetThreads(int(n))
		}
	case "?":
		if x.searching() && !x.analyzing {
			x.cancel()
		}
	case "ping":
		x.reap()
		x.printf("pong %s\n", strings.Join(args, " "))
	case "result":
		x.abort()
		x.force = true
	case "setboard":
		x.handleSetBoard(line, args)
	case "usermove":
		if len(args) != 1 {
			x.errorf("wrong arguments", line)
			return false
		}
		x.handleMove(args[0])
	case "undo":
		x.handleTakeBack(line, 1)
	case "remove":
		x.handleTakeBack(line, 2)
	case "post":
		x.post.Store(true)
	case "nopost":
		x.post.Store(false)
	case "analyze":
		x.abort()
		x.analyzing = true
		x.think()
	case "exit":
		x.abort()
		x.analyzing = false
	case "d", "display":
		x.mu.Lock()
		s := x.game.pos.String()
		x.mu.Unlock()
		x.println(s)
	case "quit":
		x.Close()
		return true
	default:
		if looksLikeMove(cmd) && len(args) == 0 {
			x.handleMove(cmd)
			return false
		}
		x.errorf("unknown command", line)
	}
	return false
}

// Close stops any search and releases the evaluator and tablebase.
func (x *XBoard) Close() {
	x.abort()
	closeComponent(x.engine.Evaluator())
	closeComponent(x.engine.Prober())
}

func closeComponent(c any) {
	switch c := c.(type) {
	case io.Closer:
		c.Close()
	case interface{ Close() }:
		c.Close()
	}
}

func (x *XBoard) println(s string) {
	x.outMu.Lock()
	defer x.outMu.Unlock()
	fmt.Fprintln(x.out, s)
}

func (x *XBoard) printf(format string, args ...any) {
	x.outMu.Lock()
	defer x.outMu.Unlock()
	fmt.Fprintf(x.out, format, args...)
}

func (x *XBoard) errorf(kind, cmd string) {
	x.printf("Error (%s): %s\n", kind, cmd)
}

func (x *XBoard) features() {
	x.println("feature done=0")
	for _, f := range []string{
		"ping=1", "setboard=1", "playother=1", "usermove=1", "time=1",
		"draw=0", "sigint=0", "sigterm=0", "reuse=1", "analyze=1",
		"colors=0", "name=0", "memory=1", "smp=1",
		`myname="` + Name + `"`, `variants="normal"`,
	} {
		x.println("feature " + f)
	}
	x.println("feature done=1")
}

// number parses the single numeric argument of cmd.
func (x *XBoard) number(line string, args []string) (float64, bool) {
	if len(args) != 1 {
		x.errorf("wrong arguments", line)
		return 0, false
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil || v < 0 {
		x.errorf("invalid number", line)
		return 0, false
	}
	return v, true
}

func (x *XBoard) handleNew() {
	x.abort()
	x.engine.NewGame()
	x.mu.Lock()
	x.game = newGame(position.Start())
	x.mu.Unlock()
	x.force = false
	x.depth = 0
	x.moveTime = 0
	x.clock, x.oppClock = x.base, x.base
	if x.analyzing {
		x.think()
	}
}

// handleLevel parses "level MPS BASE INC", where BASE is minutes or
// minutes:seconds and INC is seconds.
func (x *XBoard) handleLevel(line string, args []string) {
	if len(args) != 3 {
		x.errorf("wrong arguments", line)
		return
	}
	mps, err := strconv.Atoi(args[0])
	if err != nil || mps < 0 {
		x.errorf("invalid number", line)
		return
	}
	base, err := parseBase(args[1])
	if err != nil {
		x.errorf("invalid number", line)
		return
	}
	inc, err := strconv.ParseFloat(args[2], 64)
	if err != nil || inc < 0 {
		x.errorf("invalid number", line)
		return
	}
	x.mps = mps
	x.base = base
	x.inc = time.Duration(inc * float64(time.Second))
	x.clock, x.oppClock = base, base
	x.moveTime = 0
}

func parseBase(s string) (time.Duration, error) {
	mins, secs, found := strings.Cut(s, ":")
	m, err := strconv.Atoi(mins)
	if err != nil || m < 0 {
		return 0, fmt.Errorf("bad base time %q", s)
	}
	d := time.Duration(m) * time.Minute
	if found {
		sec, err := strconv.Atoi(secs)
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("bad base time %q", s)
		}
		d += time.Duration(sec) * time.Second
	}
	return d, nil
}

func (x *XBoard) handleSetBoard(line string, args []string) {
	pos, err := position.FromFEN(strings.Join(args, " "))
	if err != nil {
		x.errorf("invalid fen", line)
		return
	}
	x.abort()
	x.mu.Lock()
	x.game = newGame(pos)
	x.mu.Unlock()
	if x.analyzing {
		x.think()
	}
}

// handleMove plays the opponent's move and, unless in force mode, answers.
func (x *XBoard) handleMove(s string) {
	x.reap()
	if x.searching() && !x.analyzing {
		x.errorf("command not legal now", s)
		return
	}
	x.abort()

	x.mu.Lock()
	m, err := x.game.pos.ParseMove(s)
	if err != nil {
		x.mu.Unlock()
		x.printf("Illegal move: %s\n", s)
		return
	}
	x.game.play(m)
	over := x.reportResult()
	x.mu.Unlock()

	if over && !x.analyzing {
		return
	}
	if x.analyzing || !x.force {
		x.think()
	}
}

func (x *XBoard) handleTakeBack(line string, n int) {
	x.abort()
	x.mu.Lock()
	ok := x.game.takeBack(n)
	x.mu.Unlock()
	if !ok {
		x.errorf("no moves to take back", line)
		return
	}
	if x.analyzing {
		x.think()
	}
}

// reportResult prints the result line when the game has ended. Callers hold
// mu.
func (x *XBoard) reportResult() bool {
	res := x.game.result()
	if res == "" {
		return false
	}
	x.println(res)
	return true
}

// limits builds the search limits for the side to move.
func (x *XBoard) limits(pos *position.Position) engine.SearchLimits {
	if x.analyzing {
		return engine.SearchLimits{Infinite: true}
	}
	us := pos.SideToMove()
	limits := engine.SearchLimits{Depth: x.depth}
	if x.moveTime > 0 {
		limits.MoveTime = x.moveTime
		return limits
	}
	limits.Time[us] = max(x.clock, time.Millisecond)
	limits.Time[us.Other()] = max(x.oppClock, time.Millisecond)
	limits.Inc[us] = x.inc
	limits.Inc[us.Other()] = x.inc
	if x.mps > 0 {
		limits.MovesToGo = x.mps - (pos.FullmoveNumber()-1)%x.mps
	}
	return limits
}

// think starts a search of the current position. Outside analysis mode the
// result is played as the engine's move.
func (x *XBoard) think() {
	x.mu.Lock()
	if x.game.result() != "" && !x.analyzing {
		x.mu.Unlock()
		return
	}
	pos := x.game.pos.Clone()
	gen := x.gen
	x.mu.Unlock()

	limits := x.limits(pos)
	play := !x.analyzing
	x.showAll.Store(x.analyzing)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	x.cancel = cancel
	x.searchDone = done

	go func() {
		defer close(done)
		defer cancel()

		res, err := x.engine.Search(ctx, pos, limits)
		if err != nil {
			if !errors.Is(err, engine.ErrTerminalPosition) {
				x.printf("Error (search failed): %v\n", err)
			}
			return
		}
		if !play {
			return
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		if x.gen != gen {
			return
		}
		x.game.play(res.Move)
		x.printf("move %s\n", res.Move)
		x.reportResult()
	}()
}

func (x *XBoard) searching() bool { return x.searchDone != nil }

// abort stops the running search and discards its move.
func (x *XBoard) abort() {
	x.mu.Lock()
	x.gen++
	x.mu.Unlock()
	if !x.searching() {
		return
	}
	// Cancelling also stops a search that has not started yet.
	x.cancel()
	<-x.searchDone
	x.searchDone = nil
	x.cancel = nil
}

// Wait blocks until the running search, if any, has finished.
func (x *XBoard) Wait() {
	if !x.searching() {
		return
	}
	<-x.searchDone
	x.reap()
}

// reap forgets a search that already finished on its own.
func (x *XBoard) reap() {
	if x.searchDone == nil {
		return
	}
	select {
	case <-x.searchDone:
		x.searchDone = nil
		x.cancel = nil
	default:
	}
}

// sendThinking prints a thinking line: depth, score in centipawns, time in
// centiseconds, nodes and the principal variation.
func (x *XBoard) sendThinking(info engine.SearchInfo) {
	if !x.post.Load() && !x.showAll.Load() {
		return
	}
	pv := make([]string, len(info.PV))
	for i, m := range info.PV {
		pv[i] = m.String()
	}
	x.printf("%d %d %d %d %s\n", info.Depth, reportScore(info.Score), info.Time.Milliseconds()/10, info.Nodes, strings.Join(pv, " "))
}

func reportScore(s score.Score) int {
	switch n := s.MateMoves(); {
	case n > 0:
		return mateReport + n
	case n < 0:
		return -mateReport + n
	}
	return int(s)
}

// looksLikeMove reports whether s has the shape of a coordinate move.
func looksLikeMove(s string) bool {
	if len(s) != 4 && len(s) != 5 {
		return false
	}
	if s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' ||
		s[2] < 'a' || s[2] > 'h' || s[3] < '1' || s[3] > '8' {
		return false
	}
	return len(s) == 4 || strings.ContainsRune("qrbn", rune(s[4]))
}
