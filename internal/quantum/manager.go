package quantum

import (
	"fmt"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

// Manager owns one Strategy per channel. Rebuild is the only way strategies
// change, so every channel is always in sync with the last settings applied.
// Manager does no locking; the renderer serializes Rebuild with renders.
type Manager struct {
	strategies []*Strategy
}

// NewManager creates a manager for sizeC channels with no strategies yet.
func NewManager(sizeC int) *Manager {
	return &Manager{strategies: make([]*Strategy, sizeC)}
}

// Rebuild replaces every strategy. On error the previous strategies are kept.
func (m *Manager) Rebuild(q settings.QuantumDef, stats *pixels.ChannelStats, bindings []settings.ChannelBinding) error {
	if len(bindings) != len(m.strategies) {
		return fmt.Errorf("%w: %d bindings for %d channels", pixels.ErrConfiguration, len(bindings), len(m.strategies))
	}
	next := make([]*Strategy, len(bindings))
	for c, b := range bindings {
		s, err := NewStrategy(q, stats, b)
		if err != nil {
			return err
		}
		next[c] = s
	}
	m.strategies = next
	return nil
}

// Strategy returns channel c's mapping, or ErrQuantization when missing.
func (m *Manager) Strategy(c int) (*Strategy, error) {
	if c < 0 || c >= len(m.strategies) || m.strategies[c] == nil {
		return nil, fmt.Errorf("%w: no quantum strategy for channel %d", pixels.ErrQuantization, c)
	}
	return m.strategies[c], nil
}

// SizeC returns the number of channels managed.
func (m *Manager) SizeC() int {
	return len(m.strategies)
}
