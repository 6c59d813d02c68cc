// Package memstore holds a whole pixel set in memory. It backs tests and the
// importer's dry-run mode.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

type planeKey struct {
	c, z, t int
}

// Store is an in-memory pixel set. It implements both the metadata source and
// the pixel data source used by the renderer.
type Store struct {
	dims pixels.Dimensions
	pt   pixels.PixelType

	mu     sync.RWMutex
	planes map[planeKey][]byte
	stats  *pixels.ChannelStats
	def    *settings.RenderingDef

	// LoadErr, when set, is returned by Load.
	LoadErr error
	// ReadErr, when set, is returned by every ReadPlane.
	ReadErr error

	reads atomic.Int64
}

// New creates an empty store. Planes that are never set read as zeros.
func New(dims pixels.Dimensions, pt pixels.PixelType) *Store {
	return &Store{dims: dims, pt: pt, planes: make(map[planeKey][]byte)}
}

// SetPlane stores one XY plane from decoded values.
func (s *Store) SetPlane(c, z, t int, values []float64) error {
	if len(values) != s.dims.PlaneLen() {
		return fmt.Errorf("plane c=%d z=%d t=%d: %d values, want %d", c, z, t, len(values), s.dims.PlaneLen())
	}
	s.mu.Lock()
	s.planes[planeKey{c, z, t}] = s.pt.Encode(values)
	s.stats = nil
	s.mu.Unlock()
	return nil
}

// Fill sets every plane from fn.
func (s *Store) Fill(fn func(c, z, t, x, y int) float64) {
	d := s.dims
	vals := make([]float64, d.PlaneLen())
	for c := 0; c < d.SizeC; c++ {
		for z := 0; z < d.SizeZ; z++ {
			for t := 0; t < d.SizeT; t++ {
				for y := 0; y < d.SizeY; y++ {
					for x := 0; x < d.SizeX; x++ {
						vals[y*d.SizeX+x] = fn(c, z, t, x, y)
					}
				}
				_ = s.SetPlane(c, z, t, vals)
			}
		}
	}
}

// SetRenderingDef sets the definition reported as persisted.
func (s *Store) SetRenderingDef(def *settings.RenderingDef) {
	s.mu.Lock()
	s.def = def.Clone()
	s.mu.Unlock()
}

// Load validates the dimensions and computes channel statistics.
func (s *Store) Load(ctx context.Context) error {
	if s.LoadErr != nil {
		return fmt.Errorf("%w: %w", pixels.ErrMetadataLoad, s.LoadErr)
	}
	if err := s.dims.Validate(); err != nil {
		return err
	}
	stats, err := pixels.ComputeStats(ctx, rawSource{s}, s.dims, s.pt)
	if err != nil {
		return fmt.Errorf("%w: %w", pixels.ErrMetadataLoad, err)
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	return nil
}

func (s *Store) Dimensions() pixels.Dimensions { return s.dims }

func (s *Store) PixelType() pixels.PixelType { return s.pt }

func (s *Store) Stats() *pixels.ChannelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Store) PersistedRenderingDef() *settings.RenderingDef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def.Clone()
}

func (s *Store) DataSource() pixels.PixelDataSource { return s }

// ReadPlane returns a copy of one XY plane and counts the read.
func (s *Store) ReadPlane(ctx context.Context, c, z, t int) ([]byte, error) {
	s.reads.Add(1)
	if s.ReadErr != nil {
		return nil, fmt.Errorf("%w: %w", pixels.ErrDataSource, s.ReadErr)
	}
	return s.read(ctx, c, z, t)
}

func (s *Store) read(ctx context.Context, c, z, t int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := s.dims
	if c < 0 || c >= d.SizeC || z < 0 || z >= d.SizeZ || t < 0 || t >= d.SizeT {
		return nil, fmt.Errorf("%w: plane c=%d z=%d t=%d out of range", pixels.ErrDataSource, c, z, t)
	}
	s.mu.RLock()
	data, ok := s.planes[planeKey{c, z, t}]
	s.mu.RUnlock()
	if !ok {
		return make([]byte, d.PlaneLen()*s.pt.BytesPerPixel()), nil
	}
	return append([]byte(nil), data...), nil
}

// Reads returns the number of ReadPlane calls so far.
func (s *Store) Reads() int64 {
	return s.reads.Load()
}

// rawSource reads without counting; statistics scans use it.
type rawSource struct{ s *Store }

func (r rawSource) ReadPlane(ctx context.Context, c, z, t int) ([]byte, error) {
	return r.s.read(ctx, c, z, t)
}
