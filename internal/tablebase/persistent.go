package tablebase

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/rs/zerolog"

	"github.com/hailam/nnchess/internal/position"
)

// Store is the subset of storage.Store the persistent prober needs.
type Store interface {
	Get(key []byte, v any) (bool, error)
	Put(key []byte, v any) error
}

// PersistentProber remembers exact results across runs. Only found entries
// are stored: coverage can change when tables are added.
type PersistentProber struct {
	inner Prober
	store Store
	log   zerolog.Logger
}

// NewPersistentProber wraps inner with store.
func NewPersistentProber(inner Prober, store Store, log zerolog.Logger) *PersistentProber {
	return &PersistentProber{inner: inner, store: store, log: log.With().Str("component", "tbstore").Logger()}
}

func storeKey(pos *position.Position) []byte {
	key := make([]byte, 3, 11)
	copy(key, "tb:")
	return binary.BigEndian.AppendUint64(key, cacheKey(pos))
}

func (pp *PersistentProber) Probe(ctx context.Context, pos *position.Position) (ProbeResult, error) {
	if pos.PieceCount() > pp.inner.MaxPieces() {
		return ProbeResult{}, ErrNotFound
	}
	key := storeKey(pos)
	var r ProbeResult
	found, err := pp.store.Get(key, &r)
	if err != nil {
		pp.log.Warn().Err(err).Msg("probe cache read failed")
	} else if found {
		return r, nil
	}

	r, err = pp.inner.Probe(ctx, pos)
	if err != nil {
		return r, err
	}
	if perr := pp.store.Put(key, r); perr != nil && !errors.Is(perr, context.Canceled) {
		pp.log.Warn().Err(perr).Msg("probe cache write failed")
	}
	return r, nil
}

func (pp *PersistentProber) MaxPieces() int { return pp.inner.MaxPieces() }

func (pp *PersistentProber) Available() bool { return pp.inner.Available() }
