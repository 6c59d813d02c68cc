package settings

import (
	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/pkg/colormap"
)

// DefaultDef synthesizes the settings used when none were persisted: linear
// curve, 8-bit codomain [0,255], the lower of the central Z sections, the
// first timepoint, only channel 0 active, greyscale model and palette colors.
func DefaultDef(dims pixels.Dimensions, stats *pixels.ChannelStats, pt pixels.PixelType) *RenderingDef {
	def := &RenderingDef{
		DefaultZ: (dims.SizeZ - 1) / 2,
		DefaultT: 0,
		Model:    Grayscale,
		Quantum: QuantumDef{
			Family:        Linear,
			Coefficient:   1,
			PixelType:     pt,
			CodomainStart: 0,
			CodomainEnd:   255,
			BitResolution: Depth8Bit,
		},
		Channels: make([]ChannelBinding, dims.SizeC),
	}
	for c := 0; c < dims.SizeC; c++ {
		def.Channels[c] = DefaultBinding(c, stats)
	}
	def.Channels[0].Active = true
	return def
}

// DefaultBinding returns an inactive binding for channel c whose window spans
// the channel's global range.
func DefaultBinding(c int, stats *pixels.ChannelStats) ChannelBinding {
	start, end := 0.0, 1.0
	if stats != nil && c < stats.SizeC() {
		start, end = stats.GlobalMin(c), stats.GlobalMax(c)
	}
	if end <= start {
		end = start + 1
	}
	col := colormap.Channels.AtIndex(c)
	return ChannelBinding{
		Index:       c,
		InputStart:  start,
		InputEnd:    end,
		Color:       RGBA{R: int(col.R), G: int(col.G), B: int(col.B), A: int(col.A)},
		Family:      Linear,
		Coefficient: 1,
	}
}
