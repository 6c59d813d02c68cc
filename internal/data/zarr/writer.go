package zarr

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/floats"

	"github.com/planeview/server/internal/pixels"
)

// WriterOptions tunes how planes are stored.
type WriterOptions struct {
	// BigEndian stores samples big-endian.
	BigEndian bool
	// Level is the zstd level (default 3).
	Level int
}

// Writer creates a store one plane at a time and records per channel and
// timepoint statistics as planes arrive.
type Writer struct {
	basePath string
	metadata Metadata
	array    *ZarrV3ArrayMeta
	opts     WriterOptions
	encoder  *zstd.Encoder
	min, max [][]float64
}

// Create makes a new store at basePath. Existing metadata is overwritten.
func Create(basePath string, m Metadata, opts WriterOptions) (*Writer, error) {
	if err := m.Dimensions.Validate(); err != nil {
		return nil, err
	}
	if m.PixelType.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("unsupported pixel type: %q", m.PixelType)
	}
	if opts.Level <= 0 {
		opts.Level = 3
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(basePath, arrayDir, "c"), 0o755); err != nil {
		return nil, err
	}

	m.FormatVersion = FormatVersion
	d := m.Dimensions
	w := &Writer{
		basePath: basePath,
		metadata: m,
		array:    newArrayMeta(&m, opts.BigEndian, opts.Level),
		opts:     opts,
		encoder:  encoder,
		min:      make([][]float64, d.SizeC),
		max:      make([][]float64, d.SizeC),
	}
	for c := range w.min {
		w.min[c] = make([]float64, d.SizeT)
		w.max[c] = make([]float64, d.SizeT)
		for t := range w.min[c] {
			w.min[c][t], w.max[c][t] = math.Inf(1), math.Inf(-1)
		}
	}
	if err := writeJSON(filepath.Join(basePath, arrayDir, "zarr.json"), w.array); err != nil {
		return nil, err
	}
	return w, nil
}

// WritePlane stores one XY plane given as little-endian samples.
func (w *Writer) WritePlane(c, z, t int, data []byte) error {
	d := w.metadata.Dimensions
	if c < 0 || c >= d.SizeC || z < 0 || z >= d.SizeZ || t < 0 || t >= d.SizeT {
		return fmt.Errorf("plane c=%d z=%d t=%d out of range", c, z, t)
	}
	p, err := pixels.NewPlane(w.metadata.PixelType, d.SizeX, d.SizeY, data)
	if err != nil {
		return err
	}
	vals := p.Values()
	w.min[c][t] = math.Min(w.min[c][t], floats.Min(vals))
	w.max[c][t] = math.Max(w.max[c][t], floats.Max(vals))

	buf := data
	if w.opts.BigEndian {
		buf = append([]byte(nil), data...)
		swapBytes(buf, w.metadata.PixelType.BytesPerPixel())
	}
	dir := filepath.Join(w.basePath, arrayDir, "c", strconv.Itoa(t), strconv.Itoa(c), strconv.Itoa(z), "0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "0"), w.encoder.EncodeAll(buf, nil), 0o644)
}

// Close writes metadata.json. Statistics are recorded only when every
// channel and timepoint received at least one plane.
func (w *Writer) Close() error {
	defer w.encoder.Close()
	complete := true
	for c := range w.min {
		for t := range w.min[c] {
			if math.IsInf(w.min[c][t], 1) {
				complete = false
			}
		}
	}
	if complete {
		w.metadata.StatsMin, w.metadata.StatsMax = w.min, w.max
	}
	return writeJSON(filepath.Join(w.basePath, metadataFile), &w.metadata)
}
