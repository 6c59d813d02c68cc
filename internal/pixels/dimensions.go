package pixels

import "fmt"

// Dimensions are the immutable sizes of a 5D pixel set.
type Dimensions struct {
	SizeX int `json:"size_x"`
	SizeY int `json:"size_y"`
	SizeZ int `json:"size_z"`
	SizeC int `json:"size_c"`
	SizeT int `json:"size_t"`

	// Physical pixel sizes in micrometres; zero when unknown.
	PixelSizeX float64 `json:"pixel_size_x"`
	PixelSizeY float64 `json:"pixel_size_y"`
	PixelSizeZ float64 `json:"pixel_size_z"`
}

// Validate checks that every size is at least one and physical sizes are not negative.
func (d Dimensions) Validate() error {
	if d.SizeX < 1 || d.SizeY < 1 || d.SizeZ < 1 || d.SizeC < 1 || d.SizeT < 1 {
		return fmt.Errorf("%w: dimensions must be positive, got x=%d y=%d z=%d c=%d t=%d",
			ErrMetadataLoad, d.SizeX, d.SizeY, d.SizeZ, d.SizeC, d.SizeT)
	}
	if d.PixelSizeX < 0 || d.PixelSizeY < 0 || d.PixelSizeZ < 0 {
		return fmt.Errorf("%w: physical pixel sizes must not be negative", ErrMetadataLoad)
	}
	return nil
}

// PlaneLen is the number of pixels in one XY plane.
func (d Dimensions) PlaneLen() int {
	return d.SizeX * d.SizeY
}

// PlaneSize returns the width and height of a plane with the given orientation.
func (d Dimensions) PlaneSize(o Orientation) (int, int) {
	switch o {
	case XZ:
		return d.SizeX, d.SizeZ
	case ZY:
		return d.SizeZ, d.SizeY
	default:
		return d.SizeX, d.SizeY
	}
}
