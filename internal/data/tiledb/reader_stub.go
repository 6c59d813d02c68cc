//go:build !tiledb

package tiledb

import (
	"context"
	"fmt"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

// Reader is a stub when built without "-tags tiledb".
type Reader struct {
	uri string
}

// NewReader creates a TileDB reader (stub). It still resolves the URI so
// config issues are caught early, but Load and reads return ErrUnsupported.
func NewReader(uri string) (*Reader, error) {
	resolved, err := ResolveArrayURI(uri)
	if err != nil {
		return nil, err
	}
	return &Reader{uri: resolved}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) URI() string { return r.uri }

func (r *Reader) Load(ctx context.Context) error {
	return fmt.Errorf("%w: %w", pixels.ErrMetadataLoad, ErrUnsupported)
}

func (r *Reader) Dimensions() pixels.Dimensions { return pixels.Dimensions{} }

func (r *Reader) Stats() *pixels.ChannelStats { return nil }

func (r *Reader) PixelType() pixels.PixelType { return "" }

func (r *Reader) PersistedRenderingDef() *settings.RenderingDef { return nil }

func (r *Reader) DataSource() pixels.PixelDataSource { return r }

func (r *Reader) ReadPlane(ctx context.Context, c, z, t int) ([]byte, error) {
	return nil, fmt.Errorf("%w: %w", pixels.ErrDataSource, ErrUnsupported)
}

func (r *Reader) Close() {}
