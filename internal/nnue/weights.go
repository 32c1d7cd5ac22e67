package nnue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Weight file format:
//
//	magic "neurina_v001"
//	repeated per layer:
//	  weights: rows u64 LE, cols u64 LE, rows*cols f32 LE
//	  bias:    rows u64 LE, cols u64 LE, rows*cols f32 LE (rows*cols == weight rows)
//	optional trailer: "XXH64" + u64 LE xxhash of every preceding byte
//
// Files whose name ends in ".zst" are zstd-compressed.
const (
	Magic        = "neurina_v001"
	trailerTag   = "XXH64"
	trailerSize  = len(trailerTag) + 8
	maxMatrixLen = 1 << 28
)

var (
	ErrBadMagic = errors.New("bad weight file magic")
	ErrChecksum = errors.New("weight file checksum mismatch")
)

// LoadFile reads a network from path.
func LoadFile(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read weights file: %w", err)
	}
	net, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return net, nil
}

// Parse decodes a network from an uncompressed weight file image.
func Parse(data []byte) (*Network, error) {
	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}

	body := data
	if n := len(data); n >= len(Magic)+trailerSize && string(data[n-trailerSize:n-8]) == trailerTag {
		want := binary.LittleEndian.Uint64(data[n-8:])
		body = data[:n-trailerSize]
		if got := xxhash.Sum64(body); got != want {
			return nil, fmt.Errorf("%w: stored %016x, computed %016x", ErrChecksum, want, got)
		}
	}

	r := bytes.NewReader(body[len(Magic):])
	net := &Network{}
	for r.Len() > 0 {
		wr, wc, w, err := readMatrix(r)
		if err != nil {
			return nil, fmt.Errorf("layer %d weights: %w", len(net.Layers), err)
		}
		br, bc, b, err := readMatrix(r)
		if err != nil {
			return nil, fmt.Errorf("layer %d bias: %w", len(net.Layers), err)
		}
		if br*bc != wr {
			return nil, fmt.Errorf("%w: layer %d bias is %dx%d for %d outputs", ErrShapeMismatch, len(net.Layers), br, bc, wr)
		}
		net.Layers = append(net.Layers, Layer{Rows: wr, Cols: wc, Weights: w, Bias: b})
	}
	net.assignActivations()
	if err := net.Validate(); err != nil {
		return nil, err
	}
	return net, nil
}

func readMatrix(r *bytes.Reader) (rows, cols int, data []float32, err error) {
	var hdr [2]uint64
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, 0, nil, fmt.Errorf("read matrix header: %w", err)
	}
	if hdr[0] == 0 || hdr[1] == 0 || hdr[0] > maxMatrixLen || hdr[1] > maxMatrixLen || hdr[0]*hdr[1] > maxMatrixLen {
		return 0, 0, nil, fmt.Errorf("%w: matrix %dx%d", ErrShapeMismatch, hdr[0], hdr[1])
	}
	rows, cols = int(hdr[0]), int(hdr[1])
	if r.Len() < rows*cols*4 {
		return 0, 0, nil, fmt.Errorf("read %dx%d matrix: %w", rows, cols, io.ErrUnexpectedEOF)
	}
	data = make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return 0, 0, nil, fmt.Errorf("read %dx%d matrix: %w", rows, cols, err)
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, 0, nil, fmt.Errorf("%w: non-finite value at element %d", ErrShapeMismatch, i)
		}
	}
	return rows, cols, data, nil
}

// Write encodes n in the weight file format, with checksum trailer.
func (n *Network) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	for _, l := range n.Layers {
		writeMatrix(&buf, l.Rows, l.Cols, l.Weights)
		writeMatrix(&buf, l.Rows, 1, l.Bias)
	}
	sum := xxhash.Sum64(buf.Bytes())
	buf.WriteString(trailerTag)
	binary.Write(&buf, binary.LittleEndian, sum)
	_, err := w.Write(buf.Bytes())
	return err
}

func writeMatrix(buf *bytes.Buffer, rows, cols int, data []float32) {
	binary.Write(buf, binary.LittleEndian, [2]uint64{uint64(rows), uint64(cols)})
	binary.Write(buf, binary.LittleEndian, data)
}

// SaveFile writes n to path, zstd-compressing when path ends in ".zst".
func (n *Network) SaveFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create weights file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close weights file: %w", cerr)
		}
	}()

	if !strings.HasSuffix(path, ".zst") {
		return n.Write(f)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("open zstd stream: %w", err)
	}
	if err := n.Write(enc); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
