package render

import (
	"context"
	"fmt"
	"image"
	"log"

	"github.com/planeview/server/internal/codomain"
	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/quantum"
	"github.com/planeview/server/internal/settings"
)

// frame is everything one render reads. It is assembled under the shared
// read lock and never mutated by a strategy.
type frame struct {
	dims    pixels.Dimensions
	pt      pixels.PixelType
	src     pixels.PixelDataSource
	def     *settings.RenderingDef
	quantum *quantum.Manager
	chain   *codomain.Chain
	sel     pixels.PlaneSelector
	logger  *log.Logger
}

// Strategy composes quantized channels into a color image. The set of
// strategies is closed: use NewStrategy.
type Strategy interface {
	// Model is the color model the strategy renders.
	Model() settings.ColorModel
	render(ctx context.Context, f *frame) (*image.RGBA, error)
}

// NewStrategy picks the strategy for model. Unknown models fall back to
// greyscale with a diagnostic on logger.
func NewStrategy(model settings.ColorModel, logger *log.Logger) Strategy {
	switch model {
	case settings.Grayscale:
		return grayscaleStrategy{}
	case settings.RGB, settings.HSB:
		return compositeStrategy{model: model}
	default:
		if logger == nil {
			logger = log.Default()
		}
		logger.Printf("[Renderer] unknown color model %q, falling back to %s", model, settings.Grayscale)
		return grayscaleStrategy{}
	}
}

func newImage(f *frame) *image.RGBA {
	w, h := f.dims.PlaneSize(f.sel.Orientation)
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// blank is the opaque black image returned when nothing is active.
func blank(f *frame) *image.RGBA {
	img := newImage(f)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// channelValues reads, quantizes and transforms one channel of the frame's
// plane. The returned slice holds one codomain value per pixel.
func channelValues(ctx context.Context, f *frame, c int) ([]int, error) {
	qs, err := f.quantum.Strategy(c)
	if err != nil {
		return nil, err
	}
	plane, err := pixels.ReadPlane(ctx, f.src, f.dims, f.pt, c, f.sel)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: channel %d %s: %w", pixels.ErrDataSource, c, f.sel, err)
	}
	n := plane.Width * plane.Height
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = f.chain.Apply(qs.Map(plane.Index(i)))
	}
	return out, nil
}

func to8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

type grayscaleStrategy struct{}

func (grayscaleStrategy) Model() settings.ColorModel { return settings.Grayscale }

// render draws the first active channel as a grey level with the binding's alpha.
func (grayscaleStrategy) render(ctx context.Context, f *frame) (*image.RGBA, error) {
	active := f.def.ActiveChannels()
	if len(active) == 0 {
		f.logger.Printf("[Renderer] no active channel for %s", f.sel)
		return blank(f), nil
	}
	c := active[0]
	vals, err := channelValues(ctx, f, c)
	if err != nil {
		return nil, err
	}
	alpha := to8(f.def.Channels[c].Color.A)
	img := newImage(f)
	for i, v := range vals {
		g := to8(v)
		img.Pix[4*i] = g
		img.Pix[4*i+1] = g
		img.Pix[4*i+2] = g
		img.Pix[4*i+3] = alpha
	}
	return img, nil
}

type compositeStrategy struct {
	model settings.ColorModel
}

func (s compositeStrategy) Model() settings.ColorModel { return s.model }

// render adds every active channel's colored contribution, saturating at 255.
func (compositeStrategy) render(ctx context.Context, f *frame) (*image.RGBA, error) {
	active := f.def.ActiveChannels()
	if len(active) == 0 {
		f.logger.Printf("[Renderer] no active channel for %s", f.sel)
		return blank(f), nil
	}
	img := newImage(f)
	n := len(img.Pix) / 4
	acc := make([]int, 3*n)
	for _, c := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals, err := channelValues(ctx, f, c)
		if err != nil {
			return nil, err
		}
		col := f.def.Channels[c].Color
		// weights are color*alpha scaled by 255*255
		wr, wg, wb := col.R*col.A, col.G*col.A, col.B*col.A
		for i, v := range vals {
			acc[3*i] += v * wr / (255 * 255)
			acc[3*i+1] += v * wg / (255 * 255)
			acc[3*i+2] += v * wb / (255 * 255)
		}
	}
	for i := 0; i < n; i++ {
		img.Pix[4*i] = to8(acc[3*i])
		img.Pix[4*i+1] = to8(acc[3*i+1])
		img.Pix[4*i+2] = to8(acc[3*i+2])
		img.Pix[4*i+3] = 0xff
	}
	return img, nil
}
