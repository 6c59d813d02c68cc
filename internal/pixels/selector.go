package pixels

import (
	"fmt"
	"strings"
)

// Orientation names the two axes spanned by a plane.
type Orientation int

const (
	XY Orientation = iota
	XZ
	ZY
)

func (o Orientation) String() string {
	switch o {
	case XZ:
		return "xz"
	case ZY:
		return "zy"
	default:
		return "xy"
	}
}

// ParseOrientation parses "xy", "xz" or "zy"; the empty string means XY.
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xy":
		return XY, nil
	case "xz":
		return XZ, nil
	case "zy":
		return ZY, nil
	default:
		return XY, fmt.Errorf("unknown orientation: %q", s)
	}
}

// PlaneSelector identifies one plane to render. Position is the Y row for
// XZ planes and the X column for ZY planes; XY planes ignore it.
type PlaneSelector struct {
	Orientation Orientation
	Z           int
	T           int
	Position    int
}

// XYPlane returns the selector of the XY plane at (z, t).
func XYPlane(z, t int) PlaneSelector {
	return PlaneSelector{Orientation: XY, Z: z, T: t}
}

// Validate checks the selector against the pixel set dimensions.
func (s PlaneSelector) Validate(d Dimensions) error {
	if s.T < 0 || s.T >= d.SizeT {
		return fmt.Errorf("timepoint out of range: %d (size_t=%d)", s.T, d.SizeT)
	}
	switch s.Orientation {
	case XY:
		if s.Z < 0 || s.Z >= d.SizeZ {
			return fmt.Errorf("z out of range: %d (size_z=%d)", s.Z, d.SizeZ)
		}
	case XZ:
		if s.Position < 0 || s.Position >= d.SizeY {
			return fmt.Errorf("y position out of range: %d (size_y=%d)", s.Position, d.SizeY)
		}
	case ZY:
		if s.Position < 0 || s.Position >= d.SizeX {
			return fmt.Errorf("x position out of range: %d (size_x=%d)", s.Position, d.SizeX)
		}
	default:
		return fmt.Errorf("unknown orientation: %d", s.Orientation)
	}
	return nil
}

func (s PlaneSelector) String() string {
	if s.Orientation == XY {
		return fmt.Sprintf("xy z=%d t=%d", s.Z, s.T)
	}
	return fmt.Sprintf("%s pos=%d t=%d", s.Orientation, s.Position, s.T)
}
