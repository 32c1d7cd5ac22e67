package tablebase

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hailam/nnchess/internal/position"
)

type cacheEntry struct {
	result ProbeResult
	found  bool
}

// maxFills bounds the background lookups started by ProbeAsync.
const maxFills = 8

// CachedProber wraps another prober with an in-memory cache keyed by the
// position without its move counters. Misses are cached too, so an
// uncovered position costs one lookup.
type CachedProber struct {
	inner  Prober
	cache  *ristretto.Cache[uint64, cacheEntry]
	hits   atomic.Uint64
	misses atomic.Uint64

	// Background fills started by ProbeAsync.
	fills    *semaphore.Weighted
	inflight singleflight.Group
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCachedProber creates a cached prober holding up to maxEntries results.
func NewCachedProber(inner Prober, maxEntries int64) (*CachedProber, error) {
	if maxEntries < 1 {
		maxEntries = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, cacheEntry]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CachedProber{
		inner:  inner,
		cache:  cache,
		fills:  semaphore.NewWeighted(maxFills),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func cacheKey(pos *position.Position) uint64 {
	return xxhash.Sum64String(normalizedFEN(pos))
}

func (cp *CachedProber) Probe(ctx context.Context, pos *position.Position) (ProbeResult, error) {
	if pos.PieceCount() > cp.inner.MaxPieces() {
		return ProbeResult{}, ErrNotFound
	}
	key := cacheKey(pos)
	if r, hit, err := cp.lookup(key); hit {
		return r, err
	}
	cp.misses.Add(1)
	return cp.fill(ctx, key, pos)
}

// ProbeAsync answers from the cache only and never blocks. On a miss it
// returns ErrNotFound and, when a slot is free, looks the position up in
// the background so a later visit can hit.
func (cp *CachedProber) ProbeAsync(pos *position.Position) (ProbeResult, error) {
	if pos.PieceCount() > cp.inner.MaxPieces() {
		return ProbeResult{}, ErrNotFound
	}
	key := cacheKey(pos)
	if r, hit, err := cp.lookup(key); hit {
		return r, err
	}
	cp.misses.Add(1)
	if cp.ctx.Err() != nil || !cp.fills.TryAcquire(1) {
		return ProbeResult{}, ErrNotFound
	}
	bg := pos.Clone()
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		defer cp.fills.Release(1)
		cp.inflight.Do(strconv.FormatUint(key, 16), func() (any, error) {
			return cp.fill(cp.ctx, key, bg)
		})
	}()
	return ProbeResult{}, ErrNotFound
}

// lookup reports a cached answer. hit is false when key is not cached.
func (cp *CachedProber) lookup(key uint64) (r ProbeResult, hit bool, err error) {
	e, ok := cp.cache.Get(key)
	if !ok {
		return ProbeResult{}, false, nil
	}
	cp.hits.Add(1)
	if !e.found {
		return ProbeResult{}, true, ErrNotFound
	}
	return e.result, true, nil
}

func (cp *CachedProber) fill(ctx context.Context, key uint64, pos *position.Position) (ProbeResult, error) {
	r, err := cp.inner.Probe(ctx, pos)
	switch {
	case err == nil:
		cp.cache.Set(key, cacheEntry{result: r, found: true}, 1)
	case errors.Is(err, ErrNotFound):
		cp.cache.Set(key, cacheEntry{}, 1)
	}
	// Transient failures are not cached.
	return r, err
}

func (cp *CachedProber) MaxPieces() int { return cp.inner.MaxPieces() }

func (cp *CachedProber) Available() bool { return cp.inner.Available() }

// Wait blocks until background fills have finished and pending cache
// writes are visible.
func (cp *CachedProber) Wait() {
	cp.wg.Wait()
	cp.cache.Wait()
}

// HitRate returns the cache hit rate as a percentage.
func (cp *CachedProber) HitRate() float64 {
	hits, misses := cp.hits.Load(), cp.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses) * 100
}

// Clear clears the cache.
func (cp *CachedProber) Clear() {
	cp.cache.Clear()
	cp.hits.Store(0)
	cp.misses.Store(0)
}

// Close abandons background fills and releases the cache.
func (cp *CachedProber) Close() {
	cp.cancel()
	cp.wg.Wait()
	cp.cache.Close()
}
