// Package render turns raw multi-channel planes into color images and caches
// rendered Z sections per image view.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"github.com/planeview/server/internal/codomain"
	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/quantum"
	"github.com/planeview/server/internal/settings"
)

// MetadataSource loads the description of one pixel set.
type MetadataSource interface {
	Load(ctx context.Context) error
	Dimensions() pixels.Dimensions
	Stats() *pixels.ChannelStats
	PixelType() pixels.PixelType
	// PersistedRenderingDef returns nil when no settings were saved.
	PersistedRenderingDef() *settings.RenderingDef
	DataSource() pixels.PixelDataSource
}

var errNotInitialized = fmt.Errorf("%w: renderer not initialized", pixels.ErrConfiguration)

// shared is the state a renderer and all its shallow copies point at.
type shared struct {
	mu     sync.RWMutex
	meta   MetadataSource
	logger *log.Logger

	ready    bool
	dims     pixels.Dimensions
	pt       pixels.PixelType
	stats    *pixels.ChannelStats
	src      pixels.PixelDataSource
	def      *settings.RenderingDef
	quantum  *quantum.Manager
	chain    *codomain.Chain
	strategy Strategy
}

// Renderer renders single planes of one image. Shallow copies share every
// piece of state except the current plane selector, so several planes can be
// rendered concurrently. Renders hold the shared read lock and setters hold
// the write lock.
type Renderer struct {
	s   *shared
	sel pixels.PlaneSelector
}

// NewRenderer creates an uninitialized renderer over meta. A nil logger
// means log.Default().
func NewRenderer(meta MetadataSource, logger *log.Logger) *Renderer {
	if logger == nil {
		logger = log.Default()
	}
	return &Renderer{s: &shared{meta: meta, logger: logger}}
}

// Initialize loads metadata and settings, synthesizing defaults when none
// were persisted, and builds the quantum strategies, codomain chain and
// rendering strategy.
func (r *Renderer) Initialize(ctx context.Context) error {
	s := r.s
	if err := s.meta.Load(ctx); err != nil {
		if errors.Is(err, pixels.ErrMetadataLoad) {
			return err
		}
		return fmt.Errorf("%w: %w", pixels.ErrMetadataLoad, err)
	}
	dims := s.meta.Dimensions()
	if err := dims.Validate(); err != nil {
		return err
	}
	stats, pt := s.meta.Stats(), s.meta.PixelType()
	if stats == nil || stats.SizeC() != dims.SizeC {
		return fmt.Errorf("%w: channel statistics missing or sized for the wrong channel count", pixels.ErrMetadataLoad)
	}

	def := s.meta.PersistedRenderingDef()
	if def == nil {
		def = settings.DefaultDef(dims, stats, pt)
	} else {
		def = def.Clone()
	}
	if err := def.Validate(dims); err != nil {
		return err
	}
	qm := quantum.NewManager(dims.SizeC)
	if err := qm.Rebuild(def.Quantum, stats, def.Channels); err != nil {
		return err
	}
	chain, err := codomain.FromDefs(def.Quantum.CodomainStart, def.Quantum.CodomainEnd, def.CodomainMaps)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dims, s.pt, s.stats, s.src = dims, pt, stats, s.meta.DataSource()
	s.setModel(def, def.Model)
	s.def, s.quantum, s.chain = def, qm, chain
	s.ready = true
	r.sel = pixels.XYPlane(def.DefaultZ, def.DefaultT)
	return nil
}

// Render renders sel, or the current selector when sel is nil. A non-nil sel
// becomes the current selector of this renderer only.
func (r *Renderer) Render(ctx context.Context, sel *pixels.PlaneSelector) (*image.RGBA, error) {
	if sel != nil {
		r.sel = *sel
	}
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, errNotInitialized
	}
	if err := r.sel.Validate(s.dims); err != nil {
		return nil, fmt.Errorf("%w: %w", pixels.ErrConfiguration, err)
	}
	f := &frame{
		dims:    s.dims,
		pt:      s.pt,
		src:     s.src,
		def:     s.def,
		quantum: s.quantum,
		chain:   s.chain,
		sel:     r.sel,
		logger:  s.logger,
	}
	return s.strategy.render(ctx, f)
}

// ShallowCopy returns a renderer sharing all state with r. Its selector is
// sel, or a copy of r's when sel is nil.
func (r *Renderer) ShallowCopy(sel *pixels.PlaneSelector) *Renderer {
	cp := &Renderer{s: r.s, sel: r.sel}
	if sel != nil {
		cp.sel = *sel
	}
	return cp
}

// Selector returns the current plane selector.
func (r *Renderer) Selector() pixels.PlaneSelector {
	return r.sel
}

// Dimensions returns the pixel set dimensions.
func (r *Renderer) Dimensions() pixels.Dimensions {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.dims
}

// Stats returns the channel statistics.
func (r *Renderer) Stats() *pixels.ChannelStats {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.stats
}

// PixelType returns the raw sample type.
func (r *Renderer) PixelType() pixels.PixelType {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.pt
}

// DataSource returns the raw plane source.
func (r *Renderer) DataSource() pixels.PixelDataSource {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.src
}

// Def returns a copy of the current rendering settings.
func (r *Renderer) Def() *settings.RenderingDef {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.def.Clone()
}

// UpdateQuantumManager rebuilds every channel strategy from the current settings.
func (r *Renderer) UpdateQuantumManager() error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return errNotInitialized
	}
	return s.quantum.Rebuild(s.def.Quantum, s.stats, s.def.Channels)
}

// update applies fn to the settings under the write lock.
func (r *Renderer) update(fn func(s *shared) error) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return errNotInitialized
	}
	return fn(s)
}

// updateQuantum applies fn to a copy of the settings and commits it only if
// every channel strategy rebuilds. The caller holds the write lock.
func (s *shared) updateQuantum(fn func(d *settings.RenderingDef) error) error {
	next := s.def.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.quantum.Rebuild(next.Quantum, s.stats, next.Channels); err != nil {
		return err
	}
	s.def = next
	return nil
}

func (s *shared) binding(d *settings.RenderingDef, c int) (*settings.ChannelBinding, error) {
	if c < 0 || c >= len(d.Channels) {
		return nil, fmt.Errorf("%w: channel %d out of range (size_c=%d)", pixels.ErrConfiguration, c, len(d.Channels))
	}
	return &d.Channels[c], nil
}

// SetModel switches the color model and its strategy. An unknown model
// renders and is recorded as greyscale.
func (r *Renderer) SetModel(m settings.ColorModel) error {
	return r.update(func(s *shared) error {
		s.setModel(s.def, m)
		return nil
	})
}

// setModel installs the strategy for m and records the model it renders with.
func (s *shared) setModel(d *settings.RenderingDef, m settings.ColorModel) {
	s.strategy = NewStrategy(m, s.logger)
	if !m.Valid() {
		m = settings.Grayscale
	}
	d.Model = m
}

// SetQuantumStrategy sets the output bit resolution.
func (r *Renderer) SetQuantumStrategy(bits settings.BitResolution) error {
	return r.update(func(s *shared) error {
		return s.updateQuantum(func(d *settings.RenderingDef) error {
			d.Quantum.BitResolution = bits
			return nil
		})
	})
}

// SetQuantizationMap sets channel c's curve and noise reduction.
func (r *Renderer) SetQuantizationMap(c int, family settings.CurveFamily, k float64, noiseReduction bool) error {
	return r.update(func(s *shared) error {
		return s.updateQuantum(func(d *settings.RenderingDef) error {
			b, err := s.binding(d, c)
			if err != nil {
				return err
			}
			b.Family, b.Coefficient, b.NoiseReduction = family, k, noiseReduction
			return nil
		})
	})
}

// SetCodomainInterval sets the quantized output range and re-binds the
// codomain chain to it.
func (r *Renderer) SetCodomainInterval(start, end int) error {
	return r.update(func(s *shared) error {
		err := s.updateQuantum(func(d *settings.RenderingDef) error {
			d.Quantum.CodomainStart, d.Quantum.CodomainEnd = start, end
			return nil
		})
		if err != nil {
			return err
		}
		s.chain.SetRange(start, end)
		return nil
	})
}

// SetChannelWindow sets channel c's input window.
func (r *Renderer) SetChannelWindow(c int, start, end float64) error {
	return r.update(func(s *shared) error {
		return s.updateQuantum(func(d *settings.RenderingDef) error {
			b, err := s.binding(d, c)
			if err != nil {
				return err
			}
			b.InputStart, b.InputEnd = start, end
			return nil
		})
	})
}

// SetActive turns channel c on or off.
func (r *Renderer) SetActive(c int, active bool) error {
	return r.update(func(s *shared) error {
		b, err := s.binding(s.def, c)
		if err != nil {
			return err
		}
		b.Active = active
		return nil
	})
}

// SetRGBA sets channel c's color.
func (r *Renderer) SetRGBA(c int, col settings.RGBA) error {
	if err := col.Validate(); err != nil {
		return err
	}
	return r.update(func(s *shared) error {
		b, err := s.binding(s.def, c)
		if err != nil {
			return err
		}
		b.Color = col
		return nil
	})
}

// AddCodomainMap appends a transform to the codomain chain.
func (r *Renderer) AddCodomainMap(m settings.CodomainMapDef) error {
	ctx, err := codomain.NewContext(m)
	if err != nil {
		return err
	}
	return r.update(func(s *shared) error {
		if err := s.chain.Add(ctx); err != nil {
			return err
		}
		s.def.CodomainMaps = s.chain.Defs()
		return nil
	})
}

// UpdateCodomainMap replaces the transform of the same kind.
func (r *Renderer) UpdateCodomainMap(m settings.CodomainMapDef) error {
	ctx, err := codomain.NewContext(m)
	if err != nil {
		return err
	}
	return r.update(func(s *shared) error {
		if err := s.chain.Update(ctx); err != nil {
			return err
		}
		s.def.CodomainMaps = s.chain.Defs()
		return nil
	})
}

// RemoveCodomainMap drops the transform of the given kind, if present.
func (r *Renderer) RemoveCodomainMap(kind string) error {
	m := settings.CodomainMapDef{Kind: kind}
	ctx, err := codomain.NewContext(m)
	if err != nil {
		return err
	}
	return r.update(func(s *shared) error {
		s.chain.Remove(ctx)
		s.def.CodomainMaps = s.chain.Defs()
		return nil
	})
}

// ApplyDef replaces the whole rendering configuration. Nothing changes when
// def is invalid.
func (r *Renderer) ApplyDef(def *settings.RenderingDef) error {
	return r.update(func(s *shared) error {
		next := def.Clone()
		if err := next.Validate(s.dims); err != nil {
			return err
		}
		qm := quantum.NewManager(s.dims.SizeC)
		if err := qm.Rebuild(next.Quantum, s.stats, next.Channels); err != nil {
			return err
		}
		chain, err := codomain.FromDefs(next.Quantum.CodomainStart, next.Quantum.CodomainEnd, next.CodomainMaps)
		if err != nil {
			return err
		}
		s.setModel(next, next.Model)
		s.def, s.quantum, s.chain = next, qm, chain
		return nil
	})
}

// ResetDefaults replaces the settings with synthesized defaults.
func (r *Renderer) ResetDefaults() error {
	r.s.mu.RLock()
	if !r.s.ready {
		r.s.mu.RUnlock()
		return errNotInitialized
	}
	def := settings.DefaultDef(r.s.dims, r.s.stats, r.s.pt)
	r.s.mu.RUnlock()
	return r.ApplyDef(def)
}
