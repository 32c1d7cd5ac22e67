package tablebase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hailam/nnchess/internal/position"
)

// SyzygyProber serves the endgames present in a Syzygy directory. It indexes
// the *.rtbw files found there; lookups for covered material signatures are
// answered by the resolver (typically an online prober), and everything else
// is ErrNotFound. Several directories may be given, separated by the OS path
// list separator.
type SyzygyProber struct {
	mu        sync.RWMutex
	path      string
	tables    map[string]bool
	maxPieces int
	resolver  Prober
	log       zerolog.Logger
}

// NewSyzygyProber indexes path. A nil resolver leaves the prober able to
// report coverage only.
func NewSyzygyProber(path string, resolver Prober, log zerolog.Logger) (*SyzygyProber, error) {
	sp := &SyzygyProber{
		resolver: resolver,
		log:      log.With().Str("component", "syzygy").Logger(),
	}
	if err := sp.SetPath(path); err != nil {
		return nil, err
	}
	return sp, nil
}

// SetPath re-indexes the prober from a new directory list.
func (sp *SyzygyProber) SetPath(path string) error {
	tables := make(map[string]bool)
	maxPieces := 0
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read syzygy dir: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".rtbw") {
				continue
			}
			material := strings.TrimSuffix(name, ".rtbw")
			if !validMaterial(material) {
				continue
			}
			tables[material] = true
			maxPieces = max(maxPieces, len(material)-1) // minus the 'v'
		}
	}

	sp.mu.Lock()
	sp.path = path
	sp.tables = tables
	sp.maxPieces = maxPieces
	sp.mu.Unlock()

	if len(tables) > 0 {
		sp.log.Info().Str("path", path).Int("tables", len(tables)).Int("max_pieces", maxPieces).Msg("found local tablebases")
	} else {
		sp.log.Warn().Str("path", path).Msg("no tablebase files found")
	}
	return nil
}

func validMaterial(s string) bool {
	w, b, ok := strings.Cut(s, "v")
	if !ok || !strings.HasPrefix(w, "K") || !strings.HasPrefix(b, "K") {
		return false
	}
	for _, c := range w[1:] + b[1:] {
		if !strings.ContainsRune("QRBNP", c) {
			return false
		}
	}
	return true
}

// Covers reports whether a table exists for pos's material, in either color
// orientation.
func (sp *SyzygyProber) Covers(pos *position.Position) bool {
	m := Material(pos)
	w, b, _ := strings.Cut(m, "v")
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.tables[m] || sp.tables[b+"v"+w]
}

func (sp *SyzygyProber) Probe(ctx context.Context, pos *position.Position) (ProbeResult, error) {
	if pos.PieceCount() > sp.MaxPieces() || !sp.Covers(pos) || sp.resolver == nil {
		return ProbeResult{}, ErrNotFound
	}
	return sp.resolver.Probe(ctx, pos)
}

func (sp *SyzygyProber) MaxPieces() int {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.maxPieces
}

func (sp *SyzygyProber) Available() bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return len(sp.tables) > 0 && sp.resolver != nil
}

// Path returns the current tablebase path.
func (sp *SyzygyProber) Path() string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.path
}
