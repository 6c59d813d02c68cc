package pixels

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// PixelType is the numeric type of one stored sample.
type PixelType string

const (
	Int8   PixelType = "int8"
	Uint8  PixelType = "uint8"
	Int16  PixelType = "int16"
	Uint16 PixelType = "uint16"
	Int32  PixelType = "int32"
	Uint32 PixelType = "uint32"
	Float  PixelType = "float"
	Double PixelType = "double"
)

// ParsePixelType accepts the canonical names plus the zarr data_type spellings.
func ParsePixelType(s string) (PixelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int8":
		return Int8, nil
	case "uint8":
		return Uint8, nil
	case "int16":
		return Int16, nil
	case "uint16":
		return Uint16, nil
	case "int32":
		return Int32, nil
	case "uint32":
		return Uint32, nil
	case "float", "float32":
		return Float, nil
	case "double", "float64":
		return Double, nil
	default:
		return "", fmt.Errorf("unsupported pixel type: %q", s)
	}
}

// BytesPerPixel returns the storage size of one sample.
func (p PixelType) BytesPerPixel() int {
	switch p {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float:
		return 4
	case Double:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether samples are integers.
func (p PixelType) IsInteger() bool {
	return p != Float && p != Double && p.BytesPerPixel() > 0
}

// ZarrDataType returns the zarr v3 data_type name.
func (p PixelType) ZarrDataType() string {
	switch p {
	case Float:
		return "float32"
	case Double:
		return "float64"
	default:
		return string(p)
	}
}

// decoder returns a function reading one little-endian sample.
func (p PixelType) decoder() func(b []byte) float64 {
	le := binary.LittleEndian
	switch p {
	case Int8:
		return func(b []byte) float64 { return float64(int8(b[0])) }
	case Uint8:
		return func(b []byte) float64 { return float64(b[0]) }
	case Int16:
		return func(b []byte) float64 { return float64(int16(le.Uint16(b))) }
	case Uint16:
		return func(b []byte) float64 { return float64(le.Uint16(b)) }
	case Int32:
		return func(b []byte) float64 { return float64(int32(le.Uint32(b))) }
	case Uint32:
		return func(b []byte) float64 { return float64(le.Uint32(b)) }
	case Float:
		return func(b []byte) float64 { return float64(math.Float32frombits(le.Uint32(b))) }
	case Double:
		return func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) }
	default:
		return nil
	}
}

// Encode packs values as little-endian samples of this type. Values are
// converted with Go's numeric conversion rules; callers keep them in range.
func (p PixelType) Encode(values []float64) []byte {
	bpp := p.BytesPerPixel()
	out := make([]byte, len(values)*bpp)
	le := binary.LittleEndian
	for i, v := range values {
		b := out[i*bpp : (i+1)*bpp]
		switch p {
		case Int8:
			b[0] = byte(int8(v))
		case Uint8:
			b[0] = uint8(v)
		case Int16:
			le.PutUint16(b, uint16(int16(v)))
		case Uint16:
			le.PutUint16(b, uint16(v))
		case Int32:
			le.PutUint32(b, uint32(int32(v)))
		case Uint32:
			le.PutUint32(b, uint32(v))
		case Float:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case Double:
			le.PutUint64(b, math.Float64bits(v))
		}
	}
	return out
}
