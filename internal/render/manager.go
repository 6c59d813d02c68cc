package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/worker"
)

// State is the cache state of a Manager.
type State int

const (
	// Idle means no plane is cached or pending.
	Idle State = iota
	// Populated means at least one Z section is cached or pending.
	Populated
)

func (s State) String() string {
	if s == Populated {
		return "populated"
	}
	return "idle"
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Pool *worker.Pool
	// PrefetchWindow is the number of Z sections rendered ahead on each side
	// of the requested one.
	PrefetchWindow int
	Logger         *log.Logger
}

type slot = *worker.Future[*image.RGBA]

// Manager caches rendered XY planes of one timepoint, one slot per Z section.
// Returned images are shared between callers and must not be modified.
type Manager struct {
	renderer *Renderer
	pool     *worker.Pool
	window   int
	logger   *log.Logger

	mu    sync.Mutex
	t     int
	slots []slot
	state State
}

// NewManager creates a cache in front of an initialized renderer.
func NewManager(r *Renderer, cfg ManagerConfig) (*Manager, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("%w: render manager needs a worker pool", pixels.ErrConfiguration)
	}
	if cfg.PrefetchWindow < 0 {
		return nil, fmt.Errorf("%w: negative prefetch window %d", pixels.ErrConfiguration, cfg.PrefetchWindow)
	}
	dims := r.Dimensions()
	if dims.SizeZ < 1 {
		return nil, errNotInitialized
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		renderer: r,
		pool:     cfg.Pool,
		window:   cfg.PrefetchWindow,
		logger:   logger,
		t:        -1,
		slots:    make([]slot, dims.SizeZ),
	}, nil
}

// RenderXYPlane returns the rendered XY plane for sel, rendering it and its
// Z neighbours on the worker pool when not cached. A new timepoint discards
// every cached plane first.
func (m *Manager) RenderXYPlane(ctx context.Context, sel pixels.PlaneSelector) (*image.RGBA, error) {
	if sel.Orientation != pixels.XY {
		return nil, fmt.Errorf("%w: render manager caches XY planes only, got %s", pixels.ErrConfiguration, sel.Orientation)
	}
	if err := sel.Validate(m.renderer.Dimensions()); err != nil {
		return nil, fmt.Errorf("%w: %w", pixels.ErrConfiguration, err)
	}

	m.mu.Lock()
	if sel.T != m.t {
		m.clearLocked()
		m.t = sel.T
	}
	lo, hi := sel.Z-m.window, sel.Z+m.window
	for z := max(lo, 0); z <= min(hi, len(m.slots)-1); z++ {
		if f := m.slots[z]; f != nil && !f.Failed() {
			continue
		}
		m.slots[z] = m.submit(z, sel.T, z != sel.Z)
		m.state = Populated
	}
	f := m.slots[sel.Z]
	m.mu.Unlock()

	img, err := f.Result(ctx)
	if err != nil {
		return nil, m.classify(sel, err)
	}
	return img, nil
}

func (m *Manager) submit(z, t int, prefetch bool) slot {
	sel := pixels.XYPlane(z, t)
	r := m.renderer.ShallowCopy(&sel)
	return worker.Submit(m.pool, func(ctx context.Context) (*image.RGBA, error) {
		img, err := r.Render(ctx, nil)
		if err != nil && prefetch && ctx.Err() == nil {
			m.logger.Printf("[RenderManager] prefetch of %s failed: %v", sel, err)
		}
		return img, err
	})
}

// classify maps a task failure onto the render error kinds.
func (m *Manager) classify(sel pixels.PlaneSelector, err error) error {
	switch {
	case errors.Is(err, pixels.ErrDataSource), errors.Is(err, pixels.ErrQuantization):
		return err
	case errors.Is(err, worker.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", pixels.ErrInterrupted, sel, err)
	default:
		m.logger.Printf("[RenderManager] render of %s failed: %v", sel, err)
		return fmt.Errorf("%w: %s: %w", pixels.ErrUnexpectedTask, sel, err)
	}
}

// OnRenderingPropChange discards every cached and pending plane. Call it
// after each settings change.
func (m *Manager) OnRenderingPropChange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

// Close cancels every pending render.
func (m *Manager) Close() {
	m.OnRenderingPropChange()
}

func (m *Manager) clearLocked() {
	for z, f := range m.slots {
		if f != nil {
			f.Cancel()
			m.slots[z] = nil
		}
	}
	m.state = Idle
}

// State reports whether any plane is cached or pending.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Timepoint returns the timepoint currently cached, or -1.
func (m *Manager) Timepoint() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Cached returns the number of occupied slots.
func (m *Manager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.slots {
		if f != nil {
			n++
		}
	}
	return n
}

// handles returns the occupied slots.
func (m *Manager) handles() []slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []slot
	for _, f := range m.slots {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}
