// Package zarr reads and writes pixel sets stored as Zarr v3 arrays.
//
// A store is a directory holding metadata.json and a 5D array under pixels/
// with shape [T, C, Z, Y, X], chunked one XY plane per chunk and compressed
// with zstd.
package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/planeview/server/internal/pixels"
)

// FormatVersion is written to metadata.json.
const FormatVersion = "1.0"

const (
	metadataFile = "metadata.json"
	arrayDir     = "pixels"
)

// Metadata is the content of metadata.json.
type Metadata struct {
	FormatVersion string            `json:"format_version"`
	Name          string            `json:"name"`
	PixelType     pixels.PixelType  `json:"pixel_type"`
	Dimensions    pixels.Dimensions `json:"dimensions"`
	ChannelNames  []string          `json:"channel_names,omitempty"`
	// Per channel, per timepoint intensity range. Absent when the writer did
	// not record statistics; readers compute them on load.
	StatsMin [][]float64 `json:"stats_min,omitempty"`
	StatsMax [][]float64 `json:"stats_max,omitempty"`
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []Codec     `json:"codecs"`
	ZarrFormat int        `json:"zarr_format"`
	NodeType   string     `json:"node_type"`
}

// Codec is one entry of the codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// newArrayMeta describes a plane-chunked array for m.
func newArrayMeta(m *Metadata, bigEndian bool, level int) *ZarrV3ArrayMeta {
	d := m.Dimensions
	a := &ZarrV3ArrayMeta{
		Shape:      []int{d.SizeT, d.SizeC, d.SizeZ, d.SizeY, d.SizeX},
		DataType:   m.PixelType.ZarrDataType(),
		FillValue:  0,
		ZarrFormat: 3,
		NodeType:   "array",
	}
	a.ChunkGrid.Name = "regular"
	a.ChunkGrid.Configuration.ChunkShape = []int{1, 1, 1, d.SizeY, d.SizeX}
	a.ChunkKeyEncoding.Name = "default"
	a.ChunkKeyEncoding.Configuration.Separator = "/"
	endian := "little"
	if bigEndian {
		endian = "big"
	}
	a.Codecs = []Codec{
		{Name: "bytes", Configuration: map[string]interface{}{"endian": endian}},
		{Name: "zstd", Configuration: map[string]interface{}{"level": level, "checksum": false}},
	}
	return a
}

// codecs checks the pipeline and reports whether samples are big-endian.
func (a *ZarrV3ArrayMeta) codecs() (bigEndian bool, err error) {
	compressed := false
	for _, c := range a.Codecs {
		switch c.Name {
		case "bytes":
			if e, ok := c.Configuration["endian"].(string); ok && e == "big" {
				bigEndian = true
			}
		case "zstd":
			compressed = true
		default:
			return false, fmt.Errorf("unsupported codec: %s", c.Name)
		}
	}
	if !compressed {
		return false, fmt.Errorf("missing zstd codec")
	}
	return bigEndian, nil
}

// validate checks that the array matches the plane-chunked layout for m.
func (a *ZarrV3ArrayMeta) validate(m *Metadata) error {
	d := m.Dimensions
	want := []int{d.SizeT, d.SizeC, d.SizeZ, d.SizeY, d.SizeX}
	if len(a.Shape) != len(want) {
		return fmt.Errorf("array has %d dims, want 5", len(a.Shape))
	}
	for i := range want {
		if a.Shape[i] != want[i] {
			return fmt.Errorf("array shape %v does not match dimensions %v", a.Shape, want)
		}
	}
	cs := a.ChunkGrid.Configuration.ChunkShape
	if len(cs) != 5 || cs[0] != 1 || cs[1] != 1 || cs[2] != 1 || cs[3] != d.SizeY || cs[4] != d.SizeX {
		return fmt.Errorf("chunk shape %v is not one XY plane", cs)
	}
	pt, err := pixels.ParsePixelType(a.DataType)
	if err != nil {
		return err
	}
	if pt != m.PixelType {
		return fmt.Errorf("array data_type %s does not match pixel type %s", a.DataType, m.PixelType)
	}
	return nil
}

func (a *ZarrV3ArrayMeta) encodeChunkKey(chunkIndices []int) string {
	sep := a.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

// fillPlane returns a plane of fill values in little-endian order.
func (a *ZarrV3ArrayMeta) fillPlane(pt pixels.PixelType, n int) ([]byte, error) {
	v := 0.0
	switch f := a.FillValue.(type) {
	case nil:
	case float64:
		v = f
	case string:
		switch f {
		case "NaN":
			v = math.NaN()
		case "Infinity":
			v = math.Inf(1)
		case "-Infinity":
			v = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value: %q", f)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type: %T", a.FillValue)
	}
	vals := make([]float64, n)
	if v != 0 {
		for i := range vals {
			vals[i] = v
		}
	}
	return pt.Encode(vals), nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// swapBytes reverses the byte order of every size-byte sample in place.
func swapBytes(b []byte, size int) {
	if size <= 1 {
		return
	}
	for i := 0; i+size <= len(b); i += size {
		s := b[i : i+size]
		for l, r := 0, size-1; l < r; l, r = l+1, r-1 {
			s[l], s[r] = s[r], s[l]
		}
	}
}
