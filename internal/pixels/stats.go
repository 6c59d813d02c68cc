package pixels

import (
	"context"
	"fmt"
	"math"

	"github.com/codahale/hdrhistogram"
	"gonum.org/v1/gonum/floats"
)

// ChannelStats holds per-channel intensity extremes, per timepoint and
// across all timepoints. It is immutable once built.
type ChannelStats struct {
	min       [][]float64 // [c][t]
	max       [][]float64
	globalMin []float64
	globalMax []float64
}

// NewChannelStats builds stats from per-(channel, timepoint) extremes.
func NewChannelStats(min, max [][]float64) (*ChannelStats, error) {
	if len(min) == 0 || len(min) != len(max) {
		return nil, fmt.Errorf("%w: stats need the same non-zero channel count for min and max", ErrMetadataLoad)
	}
	s := &ChannelStats{
		min:       make([][]float64, len(min)),
		max:       make([][]float64, len(max)),
		globalMin: make([]float64, len(min)),
		globalMax: make([]float64, len(max)),
	}
	for c := range min {
		if len(min[c]) == 0 || len(min[c]) != len(max[c]) {
			return nil, fmt.Errorf("%w: channel %d stats need the same non-zero timepoint count", ErrMetadataLoad, c)
		}
		s.min[c] = append([]float64(nil), min[c]...)
		s.max[c] = append([]float64(nil), max[c]...)
		s.globalMin[c] = floats.Min(min[c])
		s.globalMax[c] = floats.Max(max[c])
	}
	return s, nil
}

// SizeC returns the number of channels covered.
func (s *ChannelStats) SizeC() int { return len(s.min) }

// SizeT returns the number of timepoints covered.
func (s *ChannelStats) SizeT() int { return len(s.min[0]) }

// TimepointMin returns the minimum of channel c at timepoint t.
func (s *ChannelStats) TimepointMin(c, t int) float64 { return s.min[c][t] }

// TimepointMax returns the maximum of channel c at timepoint t.
func (s *ChannelStats) TimepointMax(c, t int) float64 { return s.max[c][t] }

// GlobalMin returns the minimum of channel c across all timepoints.
func (s *ChannelStats) GlobalMin(c int) float64 { return s.globalMin[c] }

// GlobalMax returns the maximum of channel c across all timepoints.
func (s *ChannelStats) GlobalMax(c int) float64 { return s.globalMax[c] }

// ComputeStats scans every plane of src. Used when a store does not carry
// precomputed statistics.
func ComputeStats(ctx context.Context, src PixelDataSource, d Dimensions, pt PixelType) (*ChannelStats, error) {
	min := make([][]float64, d.SizeC)
	max := make([][]float64, d.SizeC)
	for c := 0; c < d.SizeC; c++ {
		min[c] = make([]float64, d.SizeT)
		max[c] = make([]float64, d.SizeT)
		for t := 0; t < d.SizeT; t++ {
			lo, hi := math.Inf(1), math.Inf(-1)
			for z := 0; z < d.SizeZ; z++ {
				p, err := ReadXYPlane(ctx, src, d, pt, c, z, t)
				if err != nil {
					return nil, fmt.Errorf("stats for c=%d z=%d t=%d: %w", c, z, t, err)
				}
				vals := p.Values()
				lo = math.Min(lo, floats.Min(vals))
				hi = math.Max(hi, floats.Max(vals))
			}
			min[c][t], max[c][t] = lo, hi
		}
	}
	return NewChannelStats(min, max)
}

// histogramRange is the bucket span used for non-integer planes.
const histogramRange = 1 << 20

// SuggestWindow returns an input window covering the lowQ..highQ percentiles
// (0-100) of the plane's samples. The window is never degenerate.
func SuggestWindow(p *Plane, lowQ, highQ float64) (float64, float64, error) {
	if lowQ < 0 || highQ > 100 || lowQ >= highQ {
		return 0, 0, fmt.Errorf("%w: invalid percentiles %.2f..%.2f", ErrConfiguration, lowQ, highQ)
	}
	vals := p.Values()
	if len(vals) == 0 {
		return 0, 1, nil
	}
	lo, hi := floats.Min(vals), floats.Max(vals)
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0, 0, fmt.Errorf("%w: plane contains non-finite samples", ErrConfiguration)
	}
	if hi <= lo {
		return lo, lo + 1, nil
	}

	scale := 1.0
	if !p.Type.IsInteger() || hi-lo > histogramRange {
		scale = histogramRange / (hi - lo)
	}
	top := int64(math.Ceil((hi - lo) * scale))
	if top < 2 {
		top = 2
	}
	h := hdrhistogram.New(1, top, 3)
	for _, v := range vals {
		if err := h.RecordValue(int64((v - lo) * scale)); err != nil {
			return 0, 0, fmt.Errorf("record sample %v: %w", v, err)
		}
	}

	start := lo + float64(h.ValueAtQuantile(lowQ))/scale
	end := lo + float64(h.ValueAtQuantile(highQ))/scale
	start = math.Max(lo, math.Min(start, hi))
	end = math.Max(lo, math.Min(end, hi))
	if end <= start {
		end = start + 1
	}
	return start, end, nil
}
