// Package quantum maps raw channel intensities onto the bounded display
// codomain.
package quantum

import (
	"fmt"
	"math"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

// maxLUT bounds the lookup table built for integer pixel types.
const maxLUT = 1 << 16

// noiseDecile is the fraction of the window dropped at each end when noise
// reduction is enabled.
const noiseDecile = 0.1

// Strategy maps one channel's raw values into [CodomainStart, CodomainEnd].
// A Strategy is immutable and safe for concurrent use.
type Strategy struct {
	family         settings.CurveFamily
	k              float64
	windowStart    float64
	windowEnd      float64
	cdStart        int
	cdEnd          int
	levels         float64
	noiseReduction bool

	lut     []uint8
	lutBase int64
}

// NewStrategy builds the mapping for one channel. It fails with
// pixels.ErrConfiguration on a degenerate or non-finite window, invalid
// codomain or unknown curve.
func NewStrategy(q settings.QuantumDef, stats *pixels.ChannelStats, b settings.ChannelBinding) (*Strategy, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	family, k := b.Curve(q)
	if err := settings.ValidateCurve(family, k); err != nil {
		return nil, fmt.Errorf("channel %d: %w", b.Index, err)
	}
	ws, we := b.InputStart, b.InputEnd
	if math.IsNaN(ws) || math.IsNaN(we) || math.IsInf(ws, 0) || math.IsInf(we, 0) {
		return nil, fmt.Errorf("%w: channel %d window [%v,%v] is not finite", pixels.ErrConfiguration, b.Index, ws, we)
	}
	if ws >= we {
		return nil, fmt.Errorf("%w: channel %d window start %v must be below end %v", pixels.ErrConfiguration, b.Index, ws, we)
	}

	s := &Strategy{
		family:         family,
		k:              k,
		windowStart:    ws,
		windowEnd:      we,
		cdStart:        q.CodomainStart,
		cdEnd:          q.CodomainEnd,
		levels:         float64(q.BitResolution),
		noiseReduction: b.NoiseReduction,
	}
	if q.PixelType.IsInteger() {
		s.buildLUT(stats, b.Index)
	}
	return s, nil
}

// buildLUT precomputes the integer samples inside both the window and the
// channel's observed range.
func (s *Strategy) buildLUT(stats *pixels.ChannelStats, c int) {
	lo, hi := s.windowStart, s.windowEnd
	if stats != nil && c < stats.SizeC() {
		lo = math.Max(lo, stats.GlobalMin(c))
		hi = math.Min(hi, stats.GlobalMax(c))
	}
	first, last := int64(math.Ceil(lo)), int64(math.Floor(hi))
	if last < first || last-first+1 > maxLUT {
		return
	}
	s.lutBase = first
	s.lut = make([]uint8, last-first+1)
	for i := range s.lut {
		s.lut[i] = uint8(s.compute(float64(first + int64(i))))
	}
}

// Map returns the codomain value of v. Values at or below the window start
// map to the codomain start, values at or above the window end map to the
// codomain end. NaN maps to the codomain start.
func (s *Strategy) Map(v float64) int {
	if math.IsNaN(v) || v <= s.windowStart {
		return s.cdStart
	}
	if v >= s.windowEnd {
		return s.cdEnd
	}
	if s.lut != nil {
		if i := int64(v) - s.lutBase; float64(int64(v)) == v && i >= 0 && i < int64(len(s.lut)) {
			return int(s.lut[i])
		}
	}
	return s.compute(v)
}

func (s *Strategy) compute(v float64) int {
	t := (v - s.windowStart) / (s.windowEnd - s.windowStart)
	t = math.Max(0, math.Min(1, t))
	if s.noiseReduction {
		switch {
		case t <= noiseDecile:
			return s.cdStart
		case t >= 1-noiseDecile:
			return s.cdEnd
		}
		t = (t - noiseDecile) / (1 - 2*noiseDecile)
	}

	y := curve(s.family, s.k, t)
	level := math.Round(y * s.levels)
	out := s.cdStart + int(math.Round(level*float64(s.cdEnd-s.cdStart)/s.levels))
	if out < s.cdStart {
		return s.cdStart
	}
	if out > s.cdEnd {
		return s.cdEnd
	}
	return out
}

// curve maps t in [0,1] onto [0,1], non-decreasing for k > 0.
func curve(f settings.CurveFamily, k, t float64) float64 {
	switch f {
	case settings.Polynomial:
		return math.Pow(t, k)
	case settings.Exponential:
		return math.Expm1(k*t) / math.Expm1(k)
	case settings.Logarithmic:
		return math.Log1p(k*t) / math.Log1p(k)
	default:
		return t
	}
}

// Window returns the input window.
func (s *Strategy) Window() (float64, float64) {
	return s.windowStart, s.windowEnd
}

// Codomain returns the output bounds.
func (s *Strategy) Codomain() (int, int) {
	return s.cdStart, s.cdEnd
}
