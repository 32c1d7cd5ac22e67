package engine

import (
	"time"

	"github.com/hailam/nnchess/internal/position"
)

// Budget minimums.
const (
	minSoftTime = 10 * time.Millisecond
	minHardTime = 10 * time.Millisecond
)

// TimeManager handles time allocation for searches.
type TimeManager struct {
	softTime  time.Duration // Stop starting new depths after this
	hardTime  time.Duration // Absolute cutoff, 0 = none
	startTime time.Time     // When search started
	timer     *time.Timer
}

// Allocate converts limits into soft and hard budgets for the side to move.
// ply is the game ply. A zero hard budget means the search is not bounded
// by time.
func Allocate(limits SearchLimits, us position.Color, ply int, overhead time.Duration) (soft, hard time.Duration) {
	// Fixed move time mode
	if limits.MoveTime > 0 {
		t := max(limits.MoveTime-overhead, time.Millisecond)
		return t, t
	}

	timeLeft := limits.Time[us]
	if limits.Infinite || timeLeft <= 0 {
		return 0, 0
	}
	inc := limits.Inc[us]

	// Estimate moves to go
	mtg := limits.MovesToGo
	if mtg <= 0 {
		// Sudden death: estimate moves remaining based on game phase
		mtg = min(max(50-ply/4, 10), 50)
	}

	soft = timeLeft/time.Duration(mtg) + inc*9/10
	hard = min(soft*5, timeLeft*8/10-overhead)

	soft = max(soft, minSoftTime)
	hard = max(hard, minHardTime)
	if hard < soft {
		soft = hard
	}
	return soft, hard
}

// Start begins timing a search. When hard is positive, onHard runs once the
// hard budget elapses unless Stop is called first.
func (tm *TimeManager) Start(soft, hard time.Duration, onHard func()) {
	tm.startTime = time.Now()
	tm.softTime = soft
	tm.hardTime = hard
	if hard > 0 {
		tm.timer = time.AfterFunc(hard, onHard)
	}
}

// Stop releases the hard-budget timer.
func (tm *TimeManager) Stop() {
	if tm.timer != nil {
		tm.timer.Stop()
		tm.timer = nil
	}
}

// Elapsed returns the time elapsed since search started.
func (tm *TimeManager) Elapsed() time.Duration {
	return time.Since(tm.startTime)
}

// SoftTime returns the soft budget.
func (tm *TimeManager) SoftTime() time.Duration { return tm.softTime }

// HardTime returns the hard budget.
func (tm *TimeManager) HardTime() time.Duration { return tm.hardTime }

// PastSoft returns true once no new depth should be started.
func (tm *TimeManager) PastSoft() bool {
	return tm.softTime > 0 && tm.Elapsed() >= tm.softTime
}
