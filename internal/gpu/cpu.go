package gpu

import (
	"fmt"
	"math"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// CPUName is the name the host backend is registered under.
const CPUName = "cpu"

func init() {
	Register(CPUName, cpuDriver{})
}

type cpuDriver struct{}

func (cpuDriver) Open(opts Options) (Backend, error) {
	if opts.Device != 0 || opts.Platform != 0 {
		return nil, fmt.Errorf("%w: cpu has a single device, got platform %d device %d",
			ErrDeviceUnavailable, opts.Platform, opts.Device)
	}
	return &cpuBackend{}, nil
}

type cpuMatrix struct {
	g blas32.General
}

func (m *cpuMatrix) Rows() int { return m.g.Rows }
func (m *cpuMatrix) Cols() int { return m.g.Cols }

// cpuBackend runs layers through gonum's BLAS. Rows go through Gemv one at a
// time: Gemm blocks the inner dimension differently depending on the batch
// shape, which would let batch composition change the low bits of a result.
type cpuBackend struct {
	released bool
}

func (b *cpuBackend) Name() string { return CPUName }

func (b *cpuBackend) Describe() string {
	var feats []string
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX2 {
			feats = append(feats, "avx2")
		}
		if cpu.X86.HasFMA {
			feats = append(feats, "fma")
		}
		if cpu.X86.HasSSE42 {
			feats = append(feats, "sse4.2")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			feats = append(feats, "asimd")
		}
	}
	if len(feats) == 0 {
		feats = append(feats, "generic")
	}
	return fmt.Sprintf("%s/%s %d threads [%s]", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), strings.Join(feats, " "))
}

func (b *cpuBackend) Upload(rows, cols int, data []float32) (Matrix, error) {
	if b.released {
		return nil, ErrReleased
	}
	if rows <= 0 || cols <= 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	buf := make([]float32, len(data))
	copy(buf, data)
	return &cpuMatrix{g: blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: buf}}, nil
}

func (b *cpuBackend) Affine(dst, src []float32, batch int, w, bias Matrix, act Activation) error {
	if b.released {
		return ErrReleased
	}
	wm, ok := w.(*cpuMatrix)
	if !ok {
		return fmt.Errorf("%w: weight matrix from another backend", ErrShape)
	}
	bm, ok := bias.(*cpuMatrix)
	if !ok {
		return fmt.Errorf("%w: bias matrix from another backend", ErrShape)
	}
	out, in := wm.g.Rows, wm.g.Cols
	if bm.g.Rows*bm.g.Cols != out {
		return fmt.Errorf("%w: bias has %d values, layer has %d outputs", ErrShape, bm.g.Rows*bm.g.Cols, out)
	}
	if len(src) < batch*in || len(dst) < batch*out {
		return fmt.Errorf("%w: batch %d needs %d inputs and %d outputs", ErrShape, batch, batch*in, batch*out)
	}

	for r := 0; r < batch; r++ {
		y := dst[r*out : (r+1)*out]
		copy(y, bm.g.Data)
		blas32.Gemv(blas.NoTrans, 1,
			wm.g,
			blas32.Vector{N: in, Inc: 1, Data: src[r*in : (r+1)*in]},
			1,
			blas32.Vector{N: out, Inc: 1, Data: y})
		if act == Tanh {
			for i, v := range y {
				y[i] = float32(math.Tanh(float64(v)))
			}
		}
	}
	return nil
}

func (b *cpuBackend) Release() error {
	b.released = true
	return nil
}
