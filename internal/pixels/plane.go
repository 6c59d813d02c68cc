package pixels

import (
	"context"
	"fmt"
)

// PixelDataSource supplies raw planes. ReadPlane returns SizeX*SizeY samples
// in little-endian byte order and fails with ErrDataSource on I/O failure.
type PixelDataSource interface {
	ReadPlane(ctx context.Context, c, z, t int) ([]byte, error)
}

// Plane is a decoded view over one plane's raw bytes.
type Plane struct {
	Type   PixelType
	Width  int
	Height int
	Data   []byte

	bpp    int
	decode func([]byte) float64
}

// NewPlane wraps raw little-endian bytes. The length must match width*height samples.
func NewPlane(t PixelType, width, height int, data []byte) (*Plane, error) {
	bpp := t.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: unsupported pixel type %q", ErrDataSource, t)
	}
	if want := width * height * bpp; len(data) != want {
		return nil, fmt.Errorf("%w: plane has %d bytes, expected %d", ErrDataSource, len(data), want)
	}
	return &Plane{
		Type:   t,
		Width:  width,
		Height: height,
		Data:   data,
		bpp:    bpp,
		decode: t.decoder(),
	}, nil
}

// At returns the sample at (x, y).
func (p *Plane) At(x, y int) float64 {
	return p.Index(y*p.Width + x)
}

// Index returns the i-th sample in row-major order.
func (p *Plane) Index(i int) float64 {
	off := i * p.bpp
	return p.decode(p.Data[off : off+p.bpp])
}

// Values decodes the whole plane.
func (p *Plane) Values() []float64 {
	n := p.Width * p.Height
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = p.Index(i)
	}
	return out
}

// ReadXYPlane reads and wraps one XY plane.
func ReadXYPlane(ctx context.Context, src PixelDataSource, d Dimensions, t PixelType, c, z, tIdx int) (*Plane, error) {
	data, err := src.ReadPlane(ctx, c, z, tIdx)
	if err != nil {
		return nil, err
	}
	return NewPlane(t, d.SizeX, d.SizeY, data)
}

// ReadPlane assembles the plane a selector names for channel c. XZ and ZY
// planes are built from one XY read per Z section.
func ReadPlane(ctx context.Context, src PixelDataSource, d Dimensions, t PixelType, c int, sel PlaneSelector) (*Plane, error) {
	if sel.Orientation == XY {
		return ReadXYPlane(ctx, src, d, t, c, sel.Z, sel.T)
	}

	bpp := t.BytesPerPixel()
	w, h := d.PlaneSize(sel.Orientation)
	out := make([]byte, w*h*bpp)
	for z := 0; z < d.SizeZ; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		xy, err := ReadXYPlane(ctx, src, d, t, c, z, sel.T)
		if err != nil {
			return nil, err
		}
		switch sel.Orientation {
		case XZ:
			// row z of the output is row Position of section z
			row := xy.Data[sel.Position*d.SizeX*bpp : (sel.Position+1)*d.SizeX*bpp]
			copy(out[z*w*bpp:(z+1)*w*bpp], row)
		case ZY:
			// column z of the output is column Position of section z
			for y := 0; y < d.SizeY; y++ {
				from := (y*d.SizeX + sel.Position) * bpp
				to := (y*w + z) * bpp
				copy(out[to:to+bpp], xy.Data[from:from+bpp])
			}
		}
	}
	return NewPlane(t, w, h, out)
}
