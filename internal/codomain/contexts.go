package codomain

import (
	"fmt"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

// NewContext builds a context from its persisted definition.
func NewContext(d settings.CodomainMapDef) (Context, error) {
	switch d.Kind {
	case settings.ReverseIntensityMap:
		return &ReverseIntensity{}, nil
	case settings.ContrastStretchingMap:
		if d.XStart > d.XEnd {
			return nil, fmt.Errorf("%w: contrast stretching x_start %d above x_end %d", pixels.ErrConfiguration, d.XStart, d.XEnd)
		}
		return &ContrastStretching{XStart: d.XStart, YStart: d.YStart, XEnd: d.XEnd, YEnd: d.YEnd}, nil
	case settings.PlaneSlicingMap:
		if d.PlaneSelected < 0 || d.PlaneSelected > 7 {
			return nil, fmt.Errorf("%w: bit plane %d outside [0,7]", pixels.ErrConfiguration, d.PlaneSelected)
		}
		if d.LowerLimit > d.UpperLimit {
			return nil, fmt.Errorf("%w: plane slicing lower limit %d above upper limit %d", pixels.ErrConfiguration, d.LowerLimit, d.UpperLimit)
		}
		return &PlaneSlicing{
			PlaneSelected: d.PlaneSelected,
			LowerLimit:    d.LowerLimit,
			UpperLimit:    d.UpperLimit,
			Constant:      d.Constant,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown codomain map kind %q", pixels.ErrConfiguration, d.Kind)
	}
}

// ReverseIntensity mirrors values inside the codomain.
type ReverseIntensity struct {
	start, end int
}

func (r *ReverseIntensity) Kind() string { return settings.ReverseIntensityMap }

func (r *ReverseIntensity) SetCodomain(start, end int) { r.start, r.end = start, end }

func (r *ReverseIntensity) Transform(x int) int {
	return clamp(r.start+r.end-x, r.start, r.end)
}

func (r *ReverseIntensity) Def() settings.CodomainMapDef {
	return settings.CodomainMapDef{Kind: settings.ReverseIntensityMap}
}

// ContrastStretching is a three-segment piecewise linear map through the
// control points (XStart, YStart) and (XEnd, YEnd).
type ContrastStretching struct {
	XStart, YStart int
	XEnd, YEnd     int

	start, end int
}

func (c *ContrastStretching) Kind() string { return settings.ContrastStretchingMap }

func (c *ContrastStretching) SetCodomain(start, end int) { c.start, c.end = start, end }

func (c *ContrastStretching) Transform(x int) int {
	xs, xe := clamp(c.XStart, c.start, c.end), clamp(c.XEnd, c.start, c.end)
	ys, ye := clamp(c.YStart, c.start, c.end), clamp(c.YEnd, c.start, c.end)
	x = clamp(x, c.start, c.end)
	var y int
	switch {
	case x < xs:
		y = lerp(x, c.start, xs, c.start, ys)
	case x <= xe:
		y = lerp(x, xs, xe, ys, ye)
	default:
		y = lerp(x, xe, c.end, ye, c.end)
	}
	return clamp(y, c.start, c.end)
}

func (c *ContrastStretching) Def() settings.CodomainMapDef {
	return settings.CodomainMapDef{
		Kind:   settings.ContrastStretchingMap,
		XStart: c.XStart,
		YStart: c.YStart,
		XEnd:   c.XEnd,
		YEnd:   c.YEnd,
	}
}

// lerp maps x from [x0,x1] onto [y0,y1], rounding to nearest.
func lerp(x, x0, x1, y0, y1 int) int {
	if x1 == x0 {
		return y0
	}
	num := (x - x0) * (y1 - y0)
	den := x1 - x0
	if num >= 0 {
		return y0 + (2*num+den)/(2*den)
	}
	return y0 - (-2*num+den)/(2*den)
}

// PlaneSlicing keeps one bit plane of 8-bit values. Values whose highest set
// bit is PlaneSelected map to UpperLimit when Constant is set and pass
// through otherwise; all other values map to LowerLimit.
type PlaneSlicing struct {
	PlaneSelected int
	LowerLimit    int
	UpperLimit    int
	Constant      bool

	start, end int
}

func (p *PlaneSlicing) Kind() string { return settings.PlaneSlicingMap }

func (p *PlaneSlicing) SetCodomain(start, end int) { p.start, p.end = start, end }

func (p *PlaneSlicing) Transform(x int) int {
	lo := 0
	if p.PlaneSelected > 0 {
		lo = 1 << p.PlaneSelected
	}
	hi := 1<<(p.PlaneSelected+1) - 1
	if x < lo || x > hi {
		return clamp(p.LowerLimit, p.start, p.end)
	}
	if p.Constant {
		return clamp(p.UpperLimit, p.start, p.end)
	}
	return clamp(x, p.start, p.end)
}

func (p *PlaneSlicing) Def() settings.CodomainMapDef {
	return settings.CodomainMapDef{
		Kind:          settings.PlaneSlicingMap,
		PlaneSelected: p.PlaneSelected,
		LowerLimit:    p.LowerLimit,
		UpperLimit:    p.UpperLimit,
		Constant:      p.Constant,
	}
}
