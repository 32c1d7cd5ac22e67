// Package nnue implements the neural position evaluator.
//
// A position is encoded as a fixed-length ±1 feature vector and pushed
// through a stack of dense tanh layers on a gpu.Backend. Requests from
// concurrent search threads are batched by a single goroutine, which is also
// the only caller of the backend.
package nnue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hailam/nnchess/internal/gpu"
	"github.com/hailam/nnchess/internal/position"
	"github.com/hailam/nnchess/internal/score"
)

// OutputScale converts the network output (pawns) to centipawns.
const OutputScale = 100

// ErrClosed is returned by Evaluate after Close.
var ErrClosed = errors.New("evaluator closed")

// Config controls batching.
type Config struct {
	// MaxBatch is the most rows submitted to the backend at once.
	MaxBatch int
	// BatchTimeout bounds how long the batcher waits for more rows once it
	// holds at least one.
	BatchTimeout time.Duration
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{MaxBatch: 32, BatchTimeout: 200 * time.Microsecond}
}

type deviceLayer struct {
	w, b gpu.Matrix
	act  gpu.Activation
}

type request struct {
	features []float32
	result   chan float32
}

// Evaluator scores positions for the side to move. It is safe for concurrent
// use.
type Evaluator struct {
	cfg     Config
	net     *Network
	backend gpu.Backend
	layers  []deviceLayer
	log     zerolog.Logger

	queue     chan *request
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	producers atomic.Int32
	reqPool   sync.Pool

	evals   atomic.Uint64
	batches atomic.Uint64
}

// New uploads net to backend and starts the batcher. The evaluator takes
// ownership of backend and releases it on Close.
func New(net *Network, backend gpu.Backend, cfg Config, log zerolog.Logger) (*Evaluator, error) {
	if err := net.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 1
	}
	if cfg.BatchTimeout < 0 {
		cfg.BatchTimeout = 0
	}

	e := &Evaluator{
		cfg:     cfg,
		net:     net,
		backend: backend,
		log:     log.With().Str("component", "nnue").Logger(),
		queue:   make(chan *request, cfg.MaxBatch*4),
		done:    make(chan struct{}),
	}
	e.producers.Store(1)
	e.reqPool.New = func() any {
		return &request{
			features: make([]float32, FeatureCount),
			result:   make(chan float32, 1),
		}
	}

	for i, l := range net.Layers {
		w, err := backend.Upload(l.Rows, l.Cols, l.Weights)
		if err != nil {
			backend.Release()
			return nil, fmt.Errorf("upload layer %d weights: %w", i, err)
		}
		b, err := backend.Upload(l.Rows, 1, l.Bias)
		if err != nil {
			backend.Release()
			return nil, fmt.Errorf("upload layer %d bias: %w", i, err)
		}
		e.layers = append(e.layers, deviceLayer{w: w, b: b, act: l.Act})
	}

	e.log.Info().
		Str("topology", net.Topology()).
		Str("params", humanize.Comma(int64(net.ParamCount()))).
		Str("backend", backend.Name()).
		Int("max_batch", cfg.MaxBatch).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("evaluator ready")

	e.wg.Add(1)
	go e.batchLoop()
	return e, nil
}

// SetProducers tells the batcher how many goroutines may have a request
// outstanding at once. The batcher stops waiting for more rows when it holds
// that many.
func (e *Evaluator) SetProducers(n int) {
	if n < 1 {
		n = 1
	}
	e.producers.Store(int32(n))
}

// Evaluate returns the score of pos for the side to move. It blocks until
// the batch containing pos has been computed.
func (e *Evaluator) Evaluate(ctx context.Context, pos *position.Position) (score.Score, error) {
	req := e.reqPool.Get().(*request)
	Encode(pos, req.features)
	out, err := e.submit(ctx, req)
	if err != nil {
		return 0, err
	}
	e.reqPool.Put(req)
	return toScore(out), nil
}

// submit hands req to the batcher and waits for its result. On error the
// request may still be referenced by the batcher and must not be reused.
func (e *Evaluator) submit(ctx context.Context, req *request) (float32, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	select {
	case e.queue <- req:
	case <-e.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case out := <-req.result:
		return out, nil
	case <-e.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func toScore(out float32) score.Score {
	return score.Clamp(int(math.Round(float64(out) * OutputScale)))
}

func (e *Evaluator) batchLoop() {
	defer e.wg.Done()

	widest := FeatureCount
	for _, l := range e.net.Layers {
		widest = max(widest, l.Rows)
	}
	bufA := make([]float32, e.cfg.MaxBatch*widest)
	bufB := make([]float32, e.cfg.MaxBatch*widest)
	batch := make([]*request, 0, e.cfg.MaxBatch)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		batch = batch[:0]
		select {
		case req := <-e.queue:
			batch = append(batch, req)
		case <-e.done:
			return
		}

		// Drain what is already queued, then wait a little for producers that
		// have not submitted yet.
		want := min(int(e.producers.Load()), e.cfg.MaxBatch)
	drain:
		for len(batch) < e.cfg.MaxBatch {
			select {
			case req := <-e.queue:
				batch = append(batch, req)
				continue
			default:
			}
			if len(batch) >= want || e.cfg.BatchTimeout == 0 {
				break
			}
			timer.Reset(e.cfg.BatchTimeout)
			select {
			case req := <-e.queue:
				timer.Stop()
				batch = append(batch, req)
			case <-timer.C:
				break drain
			case <-e.done:
				timer.Stop()
				return
			}
		}

		e.process(batch, bufA, bufB)
	}
}

func (e *Evaluator) process(batch []*request, bufA, bufB []float32) {
	n := len(batch)
	for i, req := range batch {
		copy(bufA[i*FeatureCount:(i+1)*FeatureCount], req.features)
	}

	src, dst := bufA, bufB
	for i, l := range e.layers {
		if err := e.backend.Affine(dst, src, n, l.w, l.b, l.act); err != nil {
			// Backend state is owned here and was validated at upload, so this
			// is a defect in the backend.
			panic(fmt.Sprintf("nnue: layer %d: %v", i, err))
		}
		src, dst = dst, src
	}

	// The last layer has a single output per row.
	for i, req := range batch {
		req.result <- src[i]
	}
	e.evals.Add(uint64(n))
	e.batches.Add(1)
}

// Stats reports how many positions were evaluated and in how many batches.
func (e *Evaluator) Stats() (evals, batches uint64) {
	return e.evals.Load(), e.batches.Load()
}

// Network returns the loaded network.
func (e *Evaluator) Network() *Network { return e.net }

// BackendName returns the name of the backend in use.
func (e *Evaluator) BackendName() string { return e.backend.Name() }

// Close stops the batcher and releases the backend. Pending and later
// Evaluate calls return ErrClosed.
func (e *Evaluator) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
		e.wg.Wait()
		err = e.backend.Release()
		evals, batches := e.Stats()
		e.log.Debug().Uint64("evals", evals).Uint64("batches", batches).Msg("evaluator closed")
	})
	return err
}
