// Package service binds one image's renderer, render manager, plane cache
// and settings store into the operations the HTTP layer serves.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"

	"github.com/planeview/server/internal/cache"
	"github.com/planeview/server/internal/codomain"
	"github.com/planeview/server/internal/defstore"
	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/render"
	"github.com/planeview/server/internal/settings"
	"github.com/planeview/server/internal/worker"
	"github.com/planeview/server/pkg/colormap"
)

// Auto window percentiles.
const (
	autoWindowLow  = 0.5
	autoWindowHigh = 99.5
)

// ViewServiceConfig contains view service configuration.
type ViewServiceConfig struct {
	ImageID string
	Name    string
	Source  render.MetadataSource
	// Store is optional; without it Save and Reset only touch memory.
	Store *defstore.Store
	// Cache is optional; without it every plane request renders.
	Cache          *cache.Manager
	Pool           *worker.Pool
	Encoder        *render.Encoder
	PrefetchWindow int
	Logger         *log.Logger
}

// imageSource overrides the persisted settings of a metadata source with
// the ones saved in the settings store.
type imageSource struct {
	render.MetadataSource
	saved *settings.RenderingDef
}

func (s *imageSource) PersistedRenderingDef() *settings.RenderingDef {
	if s.saved != nil {
		return s.saved
	}
	return s.MetadataSource.PersistedRenderingDef()
}

// ViewService serves rendered planes and rendering settings of one image.
type ViewService struct {
	id      string
	name    string
	source  *imageSource
	store   *defstore.Store
	cache   *cache.Manager
	encoder *render.Encoder
	logger  *log.Logger

	renderer *render.Renderer
	manager  *render.Manager

	// changeMu serializes settings changes so a failed change can be rolled back.
	changeMu sync.Mutex
	revision atomic.Uint64
}

// NewViewService initializes the renderer of one image. Saved settings that
// no longer validate against the image are ignored.
func NewViewService(ctx context.Context, cfg ViewServiceConfig) (*ViewService, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: image %q has no pixel source", pixels.ErrConfiguration, cfg.ImageID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = render.NewEncoder(render.EncoderConfig{})
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ImageID
	}

	src := &imageSource{MetadataSource: cfg.Source}
	if cfg.Store != nil {
		rec, err := cfg.Store.Get(cfg.ImageID)
		if err != nil {
			return nil, fmt.Errorf("load saved settings for %s: %w", cfg.ImageID, err)
		}
		if rec != nil {
			src.saved = rec.Def
		}
	}

	r := render.NewRenderer(src, logger)
	err := r.Initialize(ctx)
	if err != nil && src.saved != nil && errors.Is(err, pixels.ErrConfiguration) {
		logger.Printf("[ViewService] %s: saved settings rejected, using defaults: %v", cfg.ImageID, err)
		src.saved = nil
		err = r.Initialize(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", cfg.ImageID, err)
	}

	m, err := render.NewManager(r, render.ManagerConfig{
		Pool:           cfg.Pool,
		PrefetchWindow: cfg.PrefetchWindow,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &ViewService{
		id:       cfg.ImageID,
		name:     name,
		source:   src,
		store:    cfg.Store,
		cache:    cfg.Cache,
		encoder:  enc,
		logger:   logger,
		renderer: r,
		manager:  m,
	}, nil
}

// ID returns the image identifier.
func (s *ViewService) ID() string { return s.id }

// Name returns the display name.
func (s *ViewService) Name() string { return s.name }

// ChannelInfo describes one channel's intensity range.
type ChannelInfo struct {
	Index int     `json:"index"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// ImageMetadata describes the image behind a view.
type ImageMetadata struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	PixelType  pixels.PixelType  `json:"pixel_type"`
	Dimensions pixels.Dimensions `json:"dimensions"`
	Channels   []ChannelInfo     `json:"channels"`
}

// Metadata returns the image description.
func (s *ViewService) Metadata() ImageMetadata {
	dims := s.renderer.Dimensions()
	stats := s.renderer.Stats()
	channels := make([]ChannelInfo, dims.SizeC)
	for c := range channels {
		channels[c] = ChannelInfo{Index: c, Min: stats.GlobalMin(c), Max: stats.GlobalMax(c)}
	}
	return ImageMetadata{
		ID:         s.id,
		Name:       s.name,
		PixelType:  s.renderer.PixelType(),
		Dimensions: dims,
		Channels:   channels,
	}
}

// Settings is a snapshot of the rendering settings.
type Settings struct {
	Revision uint64                 `json:"revision"`
	Def      *settings.RenderingDef `json:"def"`
}

// Settings returns the current settings and their revision.
func (s *ViewService) Settings() Settings {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	return Settings{Revision: s.revision.Load(), Def: s.renderer.Def()}
}

// Plane returns the PNG encoding of the plane sel names. XY planes go
// through the render manager; orthogonal planes render directly.
func (s *ViewService) Plane(ctx context.Context, sel pixels.PlaneSelector) ([]byte, error) {
	key := cache.PlaneKey(s.id, s.revision.Load(), sel)
	if s.cache != nil {
		if data, ok := s.cache.GetPlane(key); ok {
			return data, nil
		}
	}

	var (
		img *image.RGBA
		err error
	)
	if sel.Orientation == pixels.XY {
		img, err = s.manager.RenderXYPlane(ctx, sel)
	} else {
		img, err = s.renderer.ShallowCopy(&sel).Render(ctx, nil)
	}
	if err != nil {
		return nil, err
	}

	data, err := s.encoder.EncodePNG(img, horizontalPixelSize(s.renderer.Dimensions(), sel.Orientation))
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetPlane(key, data); err != nil {
			s.logger.Printf("[ViewService] %s: cache plane %s: %v", s.id, sel, err)
		}
	}
	return data, nil
}

func horizontalPixelSize(d pixels.Dimensions, o pixels.Orientation) float64 {
	if o == pixels.ZY {
		return d.PixelSizeZ
	}
	return d.PixelSizeX
}

// ChannelChange lists the settings of one channel to change. Nil fields are
// left as they are.
type ChannelChange struct {
	Index          int                   `json:"index"`
	Active         *bool                 `json:"active,omitempty"`
	Color          *string               `json:"color,omitempty"`
	Window         *[2]float64           `json:"window,omitempty"`
	Family         *settings.CurveFamily `json:"family,omitempty"`
	Coefficient    *float64              `json:"coefficient,omitempty"`
	NoiseReduction *bool                 `json:"noise_reduction,omitempty"`
}

// SettingsChange is a batch of settings changes applied as one unit.
type SettingsChange struct {
	Model          *settings.ColorModel      `json:"model,omitempty"`
	BitResolution  *settings.BitResolution   `json:"bit_resolution,omitempty"`
	Codomain       *[2]int                   `json:"codomain,omitempty"`
	Channels       []ChannelChange           `json:"channels,omitempty"`
	AddMaps        []settings.CodomainMapDef `json:"add_codomain_maps,omitempty"`
	UpdateMaps     []settings.CodomainMapDef `json:"update_codomain_maps,omitempty"`
	RemoveMapKinds []string                  `json:"remove_codomain_maps,omitempty"`
}

// Change applies ch. The whole batch is built on a copy of the settings and
// committed in one step, so renders never see part of it. When any part fails
// nothing changes and the error is returned; otherwise cached planes are
// discarded.
func (s *ViewService) Change(ctx context.Context, ch SettingsChange) (Settings, error) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	next := s.renderer.Def()
	if err := applyChange(next, ch); err != nil {
		return Settings{}, err
	}
	if err := s.renderer.ApplyDef(next); err != nil {
		return Settings{}, err
	}
	rev := s.invalidate()
	s.logger.Printf("[ViewService] %s: settings changed (revision %d)", s.id, rev)
	return Settings{Revision: rev, Def: s.renderer.Def()}, nil
}

// applyChange edits def in place. Window and curve checks run when the
// result is committed.
func applyChange(def *settings.RenderingDef, ch SettingsChange) error {
	if ch.Model != nil {
		if !ch.Model.Valid() {
			return fmt.Errorf("%w: unknown color model %q", pixels.ErrConfiguration, *ch.Model)
		}
		def.Model = *ch.Model
	}
	if ch.BitResolution != nil {
		def.Quantum.BitResolution = *ch.BitResolution
	}
	if ch.Codomain != nil {
		def.Quantum.CodomainStart, def.Quantum.CodomainEnd = ch.Codomain[0], ch.Codomain[1]
	}
	for _, cc := range ch.Channels {
		if err := applyChannel(def, cc); err != nil {
			return fmt.Errorf("channel %d: %w", cc.Index, err)
		}
	}
	if len(ch.RemoveMapKinds)+len(ch.UpdateMaps)+len(ch.AddMaps) == 0 {
		return nil
	}

	chain, err := codomain.FromDefs(def.Quantum.CodomainStart, def.Quantum.CodomainEnd, def.CodomainMaps)
	if err != nil {
		return err
	}
	for _, kind := range ch.RemoveMapKinds {
		c, err := codomain.NewContext(settings.CodomainMapDef{Kind: kind})
		if err != nil {
			return err
		}
		chain.Remove(c)
	}
	for _, m := range ch.UpdateMaps {
		c, err := codomain.NewContext(m)
		if err != nil {
			return err
		}
		if err := chain.Update(c); err != nil {
			return err
		}
	}
	for _, m := range ch.AddMaps {
		c, err := codomain.NewContext(m)
		if err != nil {
			return err
		}
		if err := chain.Add(c); err != nil {
			return err
		}
	}
	def.CodomainMaps = chain.Defs()
	return nil
}

func applyChannel(def *settings.RenderingDef, cc ChannelChange) error {
	if cc.Index < 0 || cc.Index >= len(def.Channels) {
		return fmt.Errorf("%w: channel %d out of range (size_c=%d)", pixels.ErrConfiguration, cc.Index, len(def.Channels))
	}
	b := &def.Channels[cc.Index]

	if cc.Active != nil {
		b.Active = *cc.Active
	}
	if cc.Color != nil {
		col, err := colormap.Parse(*cc.Color)
		if err != nil {
			return fmt.Errorf("%w: %w", pixels.ErrConfiguration, err)
		}
		b.Color = settings.RGBA{R: int(col.R), G: int(col.G), B: int(col.B), A: int(col.A)}
	}
	if cc.Window != nil {
		b.InputStart, b.InputEnd = cc.Window[0], cc.Window[1]
	}
	if cc.Family != nil {
		b.Family = *cc.Family
	}
	if cc.Coefficient != nil {
		b.Coefficient = *cc.Coefficient
	}
	if cc.NoiseReduction != nil {
		b.NoiseReduction = *cc.NoiseReduction
	}
	return nil
}

// AutoWindow sets channel c's input window to the 0.5..99.5 percentile range
// of its samples in the plane sel names, or the default plane when sel is nil.
func (s *ViewService) AutoWindow(ctx context.Context, c int, sel *pixels.PlaneSelector) (Settings, error) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	r := s.renderer
	dims := r.Dimensions()
	if c < 0 || c >= dims.SizeC {
		return Settings{}, fmt.Errorf("%w: channel %d out of range (size_c=%d)", pixels.ErrConfiguration, c, dims.SizeC)
	}
	var target pixels.PlaneSelector
	if sel != nil {
		target = *sel
	} else {
		def := r.Def()
		target = pixels.XYPlane(def.DefaultZ, def.DefaultT)
	}
	if err := target.Validate(dims); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", pixels.ErrConfiguration, err)
	}

	plane, err := pixels.ReadPlane(ctx, r.DataSource(), dims, r.PixelType(), c, target)
	if err != nil {
		if ctx.Err() != nil {
			return Settings{}, fmt.Errorf("%w: auto window of channel %d: %w", pixels.ErrInterrupted, c, ctx.Err())
		}
		if errors.Is(err, pixels.ErrDataSource) {
			return Settings{}, err
		}
		return Settings{}, fmt.Errorf("%w: %w", pixels.ErrDataSource, err)
	}
	start, end, err := pixels.SuggestWindow(plane, autoWindowLow, autoWindowHigh)
	if err != nil {
		return Settings{}, err
	}
	if err := r.SetChannelWindow(c, start, end); err != nil {
		return Settings{}, err
	}
	rev := s.invalidate()
	s.logger.Printf("[ViewService] %s: channel %d window set to [%g,%g] from %s", s.id, c, start, end, target)
	return Settings{Revision: rev, Def: r.Def()}, nil
}

// Save persists the current settings.
func (s *ViewService) Save() (*defstore.Record, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: no settings store configured", pixels.ErrConfiguration)
	}
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	rec, err := s.store.Save(s.id, s.renderer.Def())
	if err != nil {
		return nil, err
	}
	s.source.saved = rec.Def
	return rec, nil
}

// Reset replaces the settings with defaults and forgets any saved ones.
func (s *ViewService) Reset() (Settings, error) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	if err := s.renderer.ResetDefaults(); err != nil {
		return Settings{}, err
	}
	if s.store != nil {
		if _, err := s.store.Delete(s.id); err != nil {
			return Settings{}, err
		}
	}
	s.source.saved = nil
	rev := s.invalidate()
	s.logger.Printf("[ViewService] %s: settings reset (revision %d)", s.id, rev)
	return Settings{Revision: rev, Def: s.renderer.Def()}, nil
}

// invalidate drops cached planes after a settings change. The caller holds
// changeMu.
func (s *ViewService) invalidate() uint64 {
	s.manager.OnRenderingPropChange()
	return s.revision.Add(1)
}

// ViewState reports the render manager's cache.
type ViewState struct {
	Manager   string `json:"manager"`
	Timepoint int    `json:"timepoint"`
	Cached    int    `json:"cached"`
	Revision  uint64 `json:"revision"`
}

// State returns the render manager's cache state.
func (s *ViewService) State() ViewState {
	return ViewState{
		Manager:   s.manager.State().String(),
		Timepoint: s.manager.Timepoint(),
		Cached:    s.manager.Cached(),
		Revision:  s.revision.Load(),
	}
}

// Close cancels pending renders and closes the pixel source.
func (s *ViewService) Close() {
	s.manager.Close()
	if c, ok := s.source.MetadataSource.(interface{ Close() }); ok {
		c.Close()
	}
}
