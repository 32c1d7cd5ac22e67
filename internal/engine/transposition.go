package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
)

// ErrInvalidHashSize is returned for a hash size that cannot back a table.
var ErrInvalidHashSize = errors.New("invalid hash size")

// MaxHashMB bounds the table size.
const MaxHashMB = 1 << 16

// Bound describes how a stored score relates to the true value.
type Bound uint8

const (
	BoundNone  Bound = iota
	BoundUpper       // true value <= score (fail low)
	BoundLower       // true value >= score (fail high)
	BoundExact
)

// TTEntry is a decoded table entry.
type TTEntry struct {
	Move       position.Move
	Score      score.Score
	Depth      int
	Bound      Bound
	Generation uint8
}

// Entry data layout, low bits first:
//
//	move 16 | score 16 | depth 8 | bound 2 | generation 6
const (
	genBits    = 6
	genMask    = 1<<genBits - 1
	bucketSize = 4
)

func pack(m position.Move, s score.Score, depth int, b Bound, gen uint8) uint64 {
	return uint64(m) |
		uint64(uint16(int16(s)))<<16 |
		uint64(uint8(int8(depth)))<<32 |
		uint64(b&3)<<40 |
		uint64(gen&genMask)<<42
}

func unpack(d uint64) TTEntry {
	return TTEntry{
		Move:       position.Move(d),
		Score:      score.Score(int16(d >> 16)),
		Depth:      int(int8(d >> 32)),
		Bound:      Bound(d>>40) & 3,
		Generation: uint8(d>>42) & genMask,
	}
}

// slot holds key^data and data. A reader accepts the slot only when the XOR
// of the two words gives back its key, so a slot torn by concurrent writers
// reads as a miss.
type slot struct {
	check atomic.Uint64
	data  atomic.Uint64
}

func (s *slot) load() (key, data uint64) {
	d := s.data.Load()
	return s.check.Load() ^ d, d
}

func (s *slot) store(key, data uint64) {
	s.check.Store(key ^ data)
	s.data.Store(data)
}

type bucket [bucketSize]slot

// TranspositionTable is a fixed-size hash table shared by all search
// threads without locks. Lost or mixed writes are possible and harmless:
// every probe is validated against the full key, and stored moves are
// checked for legality before use.
type TranspositionTable struct {
	buckets    []bucket
	mask       uint64
	generation atomic.Uint32
}

// NewTranspositionTable creates a table of at most sizeMB megabytes.
func NewTranspositionTable(sizeMB int) (*TranspositionTable, error) {
	tt := &TranspositionTable{}
	if err := tt.Resize(sizeMB); err != nil {
		return nil, err
	}
	return tt, nil
}

// Resize reallocates the table, dropping all entries. Not safe during a
// search.
func (tt *TranspositionTable) Resize(sizeMB int) error {
	if sizeMB < 1 || sizeMB > MaxHashMB {
		return fmt.Errorf("%w: %d MB (want 1..%d)", ErrInvalidHashSize, sizeMB, MaxHashMB)
	}
	const bucketBytes = bucketSize * 16
	n := roundDownToPowerOf2(uint64(sizeMB) * 1024 * 1024 / bucketBytes)
	tt.buckets = make([]bucket, n)
	tt.mask = n - 1
	tt.generation.Store(0)
	return nil
}

// roundDownToPowerOf2 returns the largest power of 2 <= n.
func roundDownToPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// Size returns the number of entry slots.
func (tt *TranspositionTable) Size() int { return len(tt.buckets) * bucketSize }

// SizeBytes returns the memory held by the table.
func (tt *TranspositionTable) SizeBytes() uint64 { return uint64(len(tt.buckets)) * bucketSize * 16 }

// NewSearch advances the generation. Entries from older generations become
// preferred victims but remain usable.
func (tt *TranspositionTable) NewSearch() {
	tt.generation.Add(1)
}

func (tt *TranspositionTable) gen() uint8 { return uint8(tt.generation.Load()) & genMask }

// Clear wipes every entry. Not safe during a search.
func (tt *TranspositionTable) Clear() {
	for i := range tt.buckets {
		for j := range tt.buckets[i] {
			tt.buckets[i][j].check.Store(0)
			tt.buckets[i][j].data.Store(0)
		}
	}
	tt.generation.Store(0)
}

// Probe looks up key.
func (tt *TranspositionTable) Probe(key uint64) (TTEntry, bool) {
	b := &tt.buckets[key&tt.mask]
	for i := range b {
		k, d := b[i].load()
		if d != 0 && k == key {
			return unpack(d), true
		}
	}
	return TTEntry{}, false
}

// Store writes an entry for key. Within the bucket an existing entry for the
// same key is updated; otherwise the least valuable slot is the candidate,
// and it is kept if it belongs to the current search and is at least as
// deep as the new entry.
func (tt *TranspositionTable) Store(key uint64, m position.Move, s score.Score, depth int, bound Bound) {
	gen := tt.gen()
	b := &tt.buckets[key&tt.mask]

	victim := -1
	worst := int(^uint(0) >> 1)
	for i := range b {
		k, d := b[i].load()
		if d == 0 {
			if victim < 0 || worst > -1<<20 {
				victim, worst = i, -1<<20
			}
			continue
		}
		e := unpack(d)
		if k == key {
			if e.Generation == gen && e.Depth > depth && bound != BoundExact {
				return
			}
			if m == position.NoMove {
				m = e.Move
			}
			b[i].store(key, pack(m, s, depth, bound, gen))
			return
		}
		age := int((gen - e.Generation) & genMask)
		if v := e.Depth - 8*age; v < worst {
			victim, worst = i, v
		}
	}

	if _, d := b[victim].load(); d != 0 {
		if e := unpack(d); e.Generation == gen && e.Depth >= depth {
			return
		}
	}
	b[victim].store(key, pack(m, s, depth, bound, gen))
}

// HashFull returns the per-mille of sampled slots written during the current
// search.
func (tt *TranspositionTable) HashFull() int {
	gen := tt.gen()
	samples := min(len(tt.buckets), 250)
	used := 0
	for i := 0; i < samples; i++ {
		for j := range tt.buckets[i] {
			_, d := tt.buckets[i][j].load()
			if d != 0 && unpack(d).Generation == gen {
				used++
			}
		}
	}
	return used * 1000 / (samples * bucketSize)
}
