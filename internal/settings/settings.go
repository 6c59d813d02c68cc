// Package settings holds the rendering configuration of one image view:
// quantization parameters, per-channel bindings and the codomain map list.
package settings

import (
	"fmt"
	"math"

	"github.com/planeview/server/internal/pixels"
)

// ColorModel selects how channels are composed into color.
type ColorModel string

const (
	Grayscale ColorModel = "greyscale"
	RGB       ColorModel = "rgb"
	HSB       ColorModel = "hsb"
)

// Valid reports whether m names a known model.
func (m ColorModel) Valid() bool {
	return m == Grayscale || m == RGB || m == HSB
}

// CurveFamily selects the quantization curve.
type CurveFamily string

const (
	Linear      CurveFamily = "linear"
	Polynomial  CurveFamily = "polynomial"
	Exponential CurveFamily = "exponential"
	Logarithmic CurveFamily = "logarithmic"
)

// Valid reports whether f names a known family.
func (f CurveFamily) Valid() bool {
	switch f {
	case Linear, Polynomial, Exponential, Logarithmic:
		return true
	}
	return false
}

// BitResolution is the number of quantization levels minus one.
type BitResolution int

const (
	Depth1Bit BitResolution = 1
	Depth2Bit BitResolution = 3
	Depth3Bit BitResolution = 7
	Depth4Bit BitResolution = 15
	Depth5Bit BitResolution = 31
	Depth6Bit BitResolution = 63
	Depth7Bit BitResolution = 127
	Depth8Bit BitResolution = 255
)

// Valid reports whether b is one of the enumerated depths.
func (b BitResolution) Valid() bool {
	switch b {
	case Depth1Bit, Depth2Bit, Depth3Bit, Depth4Bit, Depth5Bit, Depth6Bit, Depth7Bit, Depth8Bit:
		return true
	}
	return false
}

// QuantumDef holds the quantization parameters shared by every channel.
// Family and Coefficient apply to channels whose binding leaves them unset.
type QuantumDef struct {
	Family        CurveFamily      `json:"family"`
	Coefficient   float64          `json:"coefficient"`
	PixelType     pixels.PixelType `json:"pixel_type"`
	CodomainStart int              `json:"codomain_start"`
	CodomainEnd   int              `json:"codomain_end"`
	BitResolution BitResolution    `json:"bit_resolution"`
}

// Validate checks codomain bounds, bit resolution and the curve.
func (q QuantumDef) Validate() error {
	if q.CodomainStart < 0 || q.CodomainEnd > 255 || q.CodomainStart >= q.CodomainEnd {
		return fmt.Errorf("%w: codomain [%d,%d] must satisfy 0 <= start < end <= 255",
			pixels.ErrConfiguration, q.CodomainStart, q.CodomainEnd)
	}
	if !q.BitResolution.Valid() {
		return fmt.Errorf("%w: unsupported bit resolution %d", pixels.ErrConfiguration, q.BitResolution)
	}
	return ValidateCurve(q.Family, q.Coefficient)
}

// maxExponentialCoefficient keeps exp(k) finite.
const maxExponentialCoefficient = 100

// ValidateCurve checks that f is known and k is positive and finite.
func ValidateCurve(f CurveFamily, k float64) error {
	if !f.Valid() {
		return fmt.Errorf("%w: unknown curve family %q", pixels.ErrConfiguration, f)
	}
	if math.IsNaN(k) || math.IsInf(k, 0) || k <= 0 {
		return fmt.Errorf("%w: curve coefficient must be positive and finite, got %v", pixels.ErrConfiguration, k)
	}
	if f == Exponential && k > maxExponentialCoefficient {
		return fmt.Errorf("%w: exponential coefficient %v exceeds %v", pixels.ErrConfiguration, k, maxExponentialCoefficient)
	}
	return nil
}

// RGBA is a channel color; each component is in [0,255].
type RGBA struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
	A int `json:"a"`
}

// Validate checks every component range.
func (c RGBA) Validate() error {
	for _, v := range [4]int{c.R, c.G, c.B, c.A} {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: color component %d outside [0,255]", pixels.ErrConfiguration, v)
		}
	}
	return nil
}

// ChannelBinding is the mutable per-channel rendering setting.
type ChannelBinding struct {
	Index          int         `json:"index"`
	InputStart     float64     `json:"input_start"`
	InputEnd       float64     `json:"input_end"`
	Color          RGBA        `json:"color"`
	Active         bool        `json:"active"`
	Family         CurveFamily `json:"family,omitempty"`
	Coefficient    float64     `json:"coefficient,omitempty"`
	NoiseReduction bool        `json:"noise_reduction"`
}

// Curve returns the binding's family and coefficient, falling back to q.
func (b ChannelBinding) Curve(q QuantumDef) (CurveFamily, float64) {
	f, k := b.Family, b.Coefficient
	if f == "" {
		f = q.Family
	}
	if k == 0 {
		k = q.Coefficient
	}
	return f, k
}

// Codomain map kinds.
const (
	ReverseIntensityMap   = "reverse_intensity"
	ContrastStretchingMap = "contrast_stretching"
	PlaneSlicingMap       = "plane_slicing"
)

// CodomainMapDef is the persisted form of one codomain transform.
type CodomainMapDef struct {
	Kind string `json:"kind"`

	// contrast stretching control points
	XStart int `json:"x_start,omitempty"`
	YStart int `json:"y_start,omitempty"`
	XEnd   int `json:"x_end,omitempty"`
	YEnd   int `json:"y_end,omitempty"`

	// plane slicing
	PlaneSelected int  `json:"plane_selected,omitempty"`
	LowerLimit    int  `json:"lower_limit,omitempty"`
	UpperLimit    int  `json:"upper_limit,omitempty"`
	Constant      bool `json:"constant,omitempty"`
}

// RenderingDef is the full rendering configuration of one image view.
type RenderingDef struct {
	DefaultZ     int              `json:"default_z"`
	DefaultT     int              `json:"default_t"`
	Model        ColorModel       `json:"model"`
	Quantum      QuantumDef       `json:"quantum"`
	Channels     []ChannelBinding `json:"channels"`
	CodomainMaps []CodomainMapDef `json:"codomain_maps,omitempty"`
}

// Clone returns a deep copy.
func (d *RenderingDef) Clone() *RenderingDef {
	if d == nil {
		return nil
	}
	out := *d
	out.Channels = append([]ChannelBinding(nil), d.Channels...)
	out.CodomainMaps = append([]CodomainMapDef(nil), d.CodomainMaps...)
	return &out
}

// Validate checks d against the image it renders.
func (d *RenderingDef) Validate(dims pixels.Dimensions) error {
	if d.DefaultZ < 0 || d.DefaultZ >= dims.SizeZ {
		return fmt.Errorf("%w: default z %d outside [0,%d)", pixels.ErrConfiguration, d.DefaultZ, dims.SizeZ)
	}
	if d.DefaultT < 0 || d.DefaultT >= dims.SizeT {
		return fmt.Errorf("%w: default t %d outside [0,%d)", pixels.ErrConfiguration, d.DefaultT, dims.SizeT)
	}
	if len(d.Channels) != dims.SizeC {
		return fmt.Errorf("%w: %d channel bindings for %d channels", pixels.ErrConfiguration, len(d.Channels), dims.SizeC)
	}
	if err := d.Quantum.Validate(); err != nil {
		return err
	}
	for i, cb := range d.Channels {
		if cb.Index != i {
			return fmt.Errorf("%w: channel binding %d has index %d", pixels.ErrConfiguration, i, cb.Index)
		}
		if err := cb.Color.Validate(); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
	}
	return nil
}

// ActiveChannels returns the indices of active channels in order.
func (d *RenderingDef) ActiveChannels() []int {
	var out []int
	for _, cb := range d.Channels {
		if cb.Active {
			out = append(out, cb.Index)
		}
	}
	return out
}
