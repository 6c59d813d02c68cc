// Package colormap provides channel colors for multi-channel rendering.
package colormap

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Palette maps a channel index to its default display color.
type Palette interface {
	AtIndex(i int) color.RGBA
}

// FixedPalette assigns colors by index and falls back to a single color
// for indices past the end.
type FixedPalette struct {
	colors   []color.RGBA
	fallback color.RGBA
}

// AtIndex returns the color for channel i.
func (p FixedPalette) AtIndex(i int) color.RGBA {
	if i >= 0 && i < len(p.colors) {
		return p.colors[i]
	}
	return p.fallback
}

var (
	Red     = color.RGBA{255, 0, 0, 255}
	Green   = color.RGBA{0, 255, 0, 255}
	Blue    = color.RGBA{0, 0, 255, 255}
	Cyan    = color.RGBA{0, 255, 255, 255}
	Magenta = color.RGBA{255, 0, 255, 255}
	Yellow  = color.RGBA{255, 255, 0, 255}
	Gray    = color.RGBA{128, 128, 128, 255}
	White   = color.RGBA{255, 255, 255, 255}
)

// Channels is the default channel palette: red, green, blue, then red for
// every further channel.
var Channels = FixedPalette{
	colors:   []color.RGBA{Red, Green, Blue},
	fallback: Red,
}

var named = map[string]color.RGBA{
	"red":     Red,
	"green":   Green,
	"blue":    Blue,
	"cyan":    Cyan,
	"magenta": Magenta,
	"yellow":  Yellow,
	"gray":    Gray,
	"grey":    Gray,
	"white":   White,
}

// Parse reads a color given as a name ("green"), hex ("#00ff00"), or
// hue/saturation/brightness ("hsb(120,1,1)", hue in degrees). Alpha is 255.
func Parse(s string) (color.RGBA, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if c, ok := named[v]; ok {
		return c, nil
	}
	if strings.HasPrefix(v, "hsb(") && strings.HasSuffix(v, ")") {
		parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(v, "hsb("), ")"), ",")
		if len(parts) != 3 {
			return color.RGBA{}, fmt.Errorf("invalid hsb color: %q", s)
		}
		var hsb [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return color.RGBA{}, fmt.Errorf("invalid hsb component %q: %w", p, err)
			}
			hsb[i] = f
		}
		return FromHSB(hsb[0], hsb[1], hsb[2]), nil
	}
	if !strings.HasPrefix(v, "#") {
		v = "#" + v
	}
	c, err := colorful.Hex(v)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{r, g, b, 255}, nil
}

// FromHSB converts hue (degrees), saturation and brightness ([0,1]) to RGBA.
func FromHSB(h, s, b float64) color.RGBA {
	r, g, bl := colorful.Hsv(h, s, b).Clamped().RGB255()
	return color.RGBA{r, g, bl, 255}
}

// Hex formats the RGB part of c as "#rrggbb".
func Hex(c color.RGBA) string {
	return colorful.Color{
		R: float64(c.R) / 255,
		G: float64(c.G) / 255,
		B: float64(c.B) / 255,
	}.Hex()
}
