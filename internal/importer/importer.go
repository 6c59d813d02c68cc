// Package importer reads a directory of single-plane TIFF files named
// <prefix>_c<C>_z<Z>_t<T>.tif into a pixel store.
package importer

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/image/tiff"

	"github.com/planeview/server/internal/pixels"
)

var planeName = regexp.MustCompile(`(?i)_c(\d+)_z(\d+)_t(\d+)\.tiff?$`)

// PlaneFile is one TIFF file and the plane it holds.
type PlaneFile struct {
	Path    string
	C, Z, T int
}

// Source is a complete plane series found in one directory.
type Source struct {
	Files      []PlaneFile
	Dimensions pixels.Dimensions
	PixelType  pixels.PixelType
	logger     *log.Logger
}

// Open scans dir and reads the first plane to learn the plane size and pixel
// type. Every (c, z, t) combination must be present exactly once.
func Open(dir string, logger *log.Logger) (*Source, error) {
	if logger == nil {
		logger = log.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []PlaneFile
	var sizeC, sizeZ, sizeT int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := planeName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		c, _ := strconv.Atoi(m[1])
		z, _ := strconv.Atoi(m[2])
		t, _ := strconv.Atoi(m[3])
		files = append(files, PlaneFile{Path: filepath.Join(dir, e.Name()), C: c, Z: z, T: t})
		sizeC, sizeZ, sizeT = max(sizeC, c+1), max(sizeZ, z+1), max(sizeT, t+1)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no *_c<C>_z<Z>_t<T>.tif files in %s", dir)
	}

	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.T != b.T {
			return a.T < b.T
		}
		if a.C != b.C {
			return a.C < b.C
		}
		return a.Z < b.Z
	})
	seen := make(map[[3]int]string, len(files))
	for _, f := range files {
		k := [3]int{f.C, f.Z, f.T}
		if prev, ok := seen[k]; ok {
			return nil, fmt.Errorf("plane c=%d z=%d t=%d is in both %s and %s", f.C, f.Z, f.T, prev, f.Path)
		}
		seen[k] = f.Path
	}
	if want := sizeC * sizeZ * sizeT; len(files) != want {
		return nil, fmt.Errorf("found %d planes, want %d for C=%d Z=%d T=%d", len(files), want, sizeC, sizeZ, sizeT)
	}

	pt, w, h, _, err := ReadTIFF(files[0].Path)
	if err != nil {
		return nil, err
	}
	logger.Printf("[Importer] %s: %d planes, %dx%d, C=%d Z=%d T=%d, %s", dir, len(files), w, h, sizeC, sizeZ, sizeT, pt)
	return &Source{
		Files: files,
		Dimensions: pixels.Dimensions{
			SizeX: w, SizeY: h, SizeZ: sizeZ, SizeC: sizeC, SizeT: sizeT,
		},
		PixelType: pt,
		logger:    logger,
	}, nil
}

// Each reads every plane in (t, c, z) order and passes its little-endian
// samples to fn. Planes whose size or type differ from the first fail.
func (s *Source) Each(ctx context.Context, fn func(c, z, t int, data []byte) error) error {
	for i, f := range s.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		pt, w, h, data, err := ReadTIFF(f.Path)
		if err != nil {
			return err
		}
		if pt != s.PixelType || w != s.Dimensions.SizeX || h != s.Dimensions.SizeY {
			return fmt.Errorf("%s: %dx%d %s differs from %dx%d %s",
				f.Path, w, h, pt, s.Dimensions.SizeX, s.Dimensions.SizeY, s.PixelType)
		}
		if err := fn(f.C, f.Z, f.T, data); err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		if (i+1)%100 == 0 {
			s.logger.Printf("[Importer] %d/%d planes", i+1, len(s.Files))
		}
	}
	return nil
}

// ReadTIFF decodes a single-channel 8 or 16 bit TIFF into little-endian samples.
func ReadTIFF(path string) (pixels.PixelType, int, int, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch m := img.(type) {
	case *image.Gray:
		out := make([]byte, 0, w*h)
		for y := 0; y < h; y++ {
			off := y * m.Stride
			out = append(out, m.Pix[off:off+w]...)
		}
		return pixels.Uint8, w, h, out, nil
	case *image.Gray16:
		out := make([]byte, w*h*2)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				// Gray16 stores samples big-endian
				i := y*m.Stride + 2*x
				binary.LittleEndian.PutUint16(out[(y*w+x)*2:], uint16(m.Pix[i])<<8|uint16(m.Pix[i+1]))
			}
		}
		return pixels.Uint16, w, h, out, nil
	default:
		return "", 0, 0, nil, fmt.Errorf("%s: unsupported color model %T, want 8 or 16 bit grayscale", path, img)
	}
}
