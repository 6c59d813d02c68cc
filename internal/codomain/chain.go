// Package codomain implements the ordered chain of transforms applied to
// quantized values before color composition.
package codomain

import (
	"fmt"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

// Context is one transform bound to the chain's codomain range.
type Context interface {
	// Kind identifies the transform; a chain holds at most one per kind.
	Kind() string
	// SetCodomain binds the transform to [start, end].
	SetCodomain(start, end int)
	// Transform maps a codomain value to a codomain value.
	Transform(x int) int
	// Def returns the persisted form.
	Def() settings.CodomainMapDef
}

// Chain is an ordered list of contexts applied left to right. Chain does no
// locking; the renderer serializes mutations with renders.
type Chain struct {
	start    int
	end      int
	contexts []Context
}

// NewChain returns an empty chain over [start, end].
func NewChain(start, end int) *Chain {
	return &Chain{start: start, end: end}
}

// FromDefs builds a chain from persisted map definitions, in order.
func FromDefs(start, end int, defs []settings.CodomainMapDef) (*Chain, error) {
	c := NewChain(start, end)
	for _, d := range defs {
		ctx, err := NewContext(d)
		if err != nil {
			return nil, err
		}
		if err := c.Add(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Chain) indexOf(kind string) int {
	for i, ctx := range c.contexts {
		if ctx.Kind() == kind {
			return i
		}
	}
	return -1
}

// Add appends ctx bound to the chain's range. Adding a kind already present
// fails with ErrConfiguration.
func (c *Chain) Add(ctx Context) error {
	if c.indexOf(ctx.Kind()) >= 0 {
		return fmt.Errorf("%w: codomain map %q already in chain", pixels.ErrConfiguration, ctx.Kind())
	}
	ctx.SetCodomain(c.start, c.end)
	c.contexts = append(c.contexts, ctx)
	return nil
}

// Update replaces the context of the same kind in place, keeping its position.
func (c *Chain) Update(ctx Context) error {
	i := c.indexOf(ctx.Kind())
	if i < 0 {
		return fmt.Errorf("%w: codomain map %q not in chain", pixels.ErrConfiguration, ctx.Kind())
	}
	ctx.SetCodomain(c.start, c.end)
	c.contexts[i] = ctx
	return nil
}

// Remove drops the context of the same kind. Removing an absent context is a no-op.
func (c *Chain) Remove(ctx Context) {
	i := c.indexOf(ctx.Kind())
	if i < 0 {
		return
	}
	c.contexts = append(c.contexts[:i], c.contexts[i+1:]...)
}

// SetRange re-binds every context to [start, end].
func (c *Chain) SetRange(start, end int) {
	c.start, c.end = start, end
	for _, ctx := range c.contexts {
		ctx.SetCodomain(start, end)
	}
}

// Range returns the chain's codomain.
func (c *Chain) Range() (int, int) {
	return c.start, c.end
}

// Len returns the number of contexts.
func (c *Chain) Len() int {
	return len(c.contexts)
}

// Apply folds v through every context in insertion order.
func (c *Chain) Apply(v int) int {
	for _, ctx := range c.contexts {
		v = ctx.Transform(v)
	}
	return v
}

// Defs returns the persisted form of the chain, in order.
func (c *Chain) Defs() []settings.CodomainMapDef {
	out := make([]settings.CodomainMapDef, 0, len(c.contexts))
	for _, ctx := range c.contexts {
		out = append(out, ctx.Def())
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
