package nnue

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/hailam/nnchess/internal/gpu"
	"github.com/hailam/nnchess/internal/position"
)

var ErrShapeMismatch = errors.New("network shape mismatch")

// Layer is one dense layer: out = Act(Weights · in + Bias).
type Layer struct {
	Rows, Cols int
	Weights    []float32 // Rows×Cols, row-major
	Bias       []float32 // Rows
	Act        gpu.Activation
}

// Network is an immutable stack of dense layers. Hidden layers use tanh; the
// last layer is linear with one output, in pawns.
type Network struct {
	Layers []Layer
}

// Validate checks that the layers chain from FeatureCount inputs to a single
// output.
func (n *Network) Validate() error {
	if len(n.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrShapeMismatch)
	}
	in := FeatureCount
	for i, l := range n.Layers {
		if l.Cols != in {
			return fmt.Errorf("%w: layer %d has %d inputs, want %d", ErrShapeMismatch, i, l.Cols, in)
		}
		if l.Rows <= 0 || len(l.Weights) != l.Rows*l.Cols || len(l.Bias) != l.Rows {
			return fmt.Errorf("%w: layer %d is %dx%d with %d weights and %d biases",
				ErrShapeMismatch, i, l.Rows, l.Cols, len(l.Weights), len(l.Bias))
		}
		in = l.Rows
	}
	if in != 1 {
		return fmt.Errorf("%w: %d outputs, want 1", ErrShapeMismatch, in)
	}
	return nil
}

// Topology returns the layer widths, e.g. "847-256-32-1".
func (n *Network) Topology() string {
	if len(n.Layers) == 0 {
		return ""
	}
	parts := []string{fmt.Sprint(n.Layers[0].Cols)}
	for _, l := range n.Layers {
		parts = append(parts, fmt.Sprint(l.Rows))
	}
	return strings.Join(parts, "-")
}

// ParamCount returns the number of weights and biases.
func (n *Network) ParamCount() int {
	total := 0
	for _, l := range n.Layers {
		total += len(l.Weights) + len(l.Bias)
	}
	return total
}

// assignActivations sets tanh on hidden layers and identity on the output.
func (n *Network) assignActivations() {
	for i := range n.Layers {
		n.Layers[i].Act = gpu.Tanh
	}
	if len(n.Layers) > 0 {
		n.Layers[len(n.Layers)-1].Act = gpu.Identity
	}
}

// NewRandomNetwork builds a network with small deterministic weights. Meant
// for tests and benchmarks.
func NewRandomNetwork(seed int64, hidden ...int) *Network {
	rng := rand.New(rand.NewSource(seed))
	widths := append(append([]int{FeatureCount}, hidden...), 1)
	n := &Network{}
	for i := 1; i < len(widths); i++ {
		rows, cols := widths[i], widths[i-1]
		l := Layer{Rows: rows, Cols: cols, Weights: make([]float32, rows*cols), Bias: make([]float32, rows)}
		scale := float32(1) / float32(cols)
		for j := range l.Weights {
			l.Weights[j] = (rng.Float32()*2 - 1) * scale * 4
		}
		for j := range l.Bias {
			l.Bias[j] = (rng.Float32()*2 - 1) * 0.1
		}
		n.Layers = append(n.Layers, l)
	}
	n.assignActivations()
	return n
}

// Piece values used by the material network, in centipawns.
var materialValues = [7]float32{
	position.Pawn:   100,
	position.Knight: 320,
	position.Bishop: 330,
	position.Rook:   500,
	position.Queen:  900,
}

const materialSpan = 4000

// NewMaterialNetwork builds a 847-1-1 network that scores plain material
// balance, saturating smoothly toward ±materialSpan centipawns. It is the
// stand-in when no weight file is configured.
func NewMaterialNetwork() *Network {
	hidden := Layer{Rows: 1, Cols: FeatureCount, Weights: make([]float32, FeatureCount), Bias: make([]float32, 1)}
	// A feature x in {-1,+1} means presence p = (x+1)/2, so v·p = v/2·x + v/2.
	for sq := 0; sq < 64; sq++ {
		for pc := position.Pawn; pc <= position.Queen; pc++ {
			v := materialValues[pc] / materialSpan
			ours := sq*CellKinds + CellIndex(pc, true)
			theirs := sq*CellKinds + CellIndex(pc, false)
			hidden.Weights[ours] = v / 2
			hidden.Weights[theirs] = -v / 2
			// Our and their halves cancel in the bias.
		}
	}
	out := Layer{
		Rows: 1, Cols: 1,
		Weights: []float32{materialSpan / OutputScale},
		Bias:    []float32{0},
	}
	n := &Network{Layers: []Layer{hidden, out}}
	n.assignActivations()
	return n
}
