package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
)

// EncoderConfig contains PNG encoder configuration.
type EncoderConfig struct {
	// ScaleBar draws a physical scale bar when the pixel size is known.
	ScaleBar bool
}

// Encoder turns rendered planes into PNG bytes.
type Encoder struct {
	config     EncoderConfig
	bufferPool sync.Pool
}

// NewEncoder creates a new encoder.
func NewEncoder(cfg EncoderConfig) *Encoder {
	return &Encoder{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// EncodePNG encodes img. pixelSize is the physical width of one pixel in
// micrometres, zero when unknown. img is not modified.
func (e *Encoder) EncodePNG(img *image.RGBA, pixelSize float64) ([]byte, error) {
	var out image.Image = img
	if e.config.ScaleBar && pixelSize > 0 {
		out = drawScaleBar(img, pixelSize)
	}

	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, out); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// niceLength returns the largest 1, 2 or 5 times a power of ten not above v.
func niceLength(v float64) float64 {
	if v <= 0 {
		return 0
	}
	p := math.Pow(10, math.Floor(math.Log10(v)))
	for _, m := range []float64{5, 2, 1} {
		if m*p <= v {
			return m * p
		}
	}
	return p
}

// drawScaleBar returns a copy of img with a bar spanning about a fifth of
// its width in the bottom right corner.
func drawScaleBar(img *image.RGBA, pixelSize float64) image.Image {
	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())
	length := niceLength(w / 5 * pixelSize)
	barW := length / pixelSize
	if barW < 1 || h < 24 {
		return dc.Image()
	}

	margin := math.Max(4, w/50)
	barH := math.Max(2, h/100)
	x := w - margin - barW
	y := h - margin - barH

	dc.SetColor(color.White)
	dc.DrawRectangle(x, y, barW, barH)
	dc.Fill()
	dc.DrawStringAnchored(fmt.Sprintf("%g um", length), x+barW/2, y-4, 0.5, 0)
	return dc.Image()
}
