package tablebase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hailam/nnchess/internal/position"
)

// DefaultLichessURL is the public Lichess tablebase endpoint.
const DefaultLichessURL = "https://tablebase.lichess.ovh/standard"

// LichessProber uses the Lichess tablebase API for online lookups.
// Note: This requires network access and has rate limits.
type LichessProber struct {
	BaseURL   string
	client    *http.Client
	maxPieces int
}

// NewLichessProber creates a new Lichess-based tablebase prober.
func NewLichessProber() *LichessProber {
	return &LichessProber{
		BaseURL:   DefaultLichessURL,
		client:    &http.Client{Timeout: 5 * time.Second},
		maxPieces: 7, // Lichess supports up to 7-piece tablebases
	}
}

// Lichess API response structure
type lichessResponse struct {
	Category string `json:"category"` // "win", "draw", "cursed-win", "blessed-loss", "loss", ...
	DTZ      *int   `json:"dtz"`
}

func (lp *LichessProber) Probe(ctx context.Context, pos *position.Position) (ProbeResult, error) {
	if pos.PieceCount() > lp.maxPieces {
		return ProbeResult{}, ErrNotFound
	}

	u := lp.BaseURL + "?fen=" + url.QueryEscape(pos.FEN())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("lichess request: %w", err)
	}
	resp, err := lp.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("lichess probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}, fmt.Errorf("lichess probe: status %s", resp.Status)
	}

	var result lichessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ProbeResult{}, fmt.Errorf("lichess probe: decode: %w", err)
	}

	wdl, ok := categoryToWDL(result.Category)
	if !ok {
		return ProbeResult{}, ErrNotFound
	}
	r := ProbeResult{WDL: wdl}
	if result.DTZ != nil {
		r.DTZ = *result.DTZ
	}
	return r, nil
}

func (lp *LichessProber) MaxPieces() int { return lp.maxPieces }

func (lp *LichessProber) Available() bool { return true }

func categoryToWDL(category string) (WDL, bool) {
	switch strings.ToLower(category) {
	case "win":
		return WDLWin, true
	case "cursed-win", "syzygy-win":
		return WDLCursedWin, true
	case "draw":
		return WDLDraw, true
	case "blessed-loss", "syzygy-loss":
		return WDLBlessedLoss, true
	case "loss":
		return WDLLoss, true
	}
	// "unknown", "maybe-win", "maybe-loss": not exact.
	return WDLDraw, false
}
