//go:build tiledb

package tiledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

// Reader provides plane reads from a dense TileDB array.
type Reader struct {
	uri string
	ctx *tiledb.Context

	dims pixels.Dimensions
	pt   pixels.PixelType

	mu    sync.RWMutex
	stats *pixels.ChannelStats
}

// NewReader opens the array schema and derives dimensions from the
// non-empty domain.
func NewReader(uri string) (*Reader, error) {
	resolved, err := ResolveArrayURI(uri)
	if err != nil {
		return nil, err
	}
	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	r := &Reader{uri: resolved, ctx: ctx}
	if err := r.loadSchema(); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("%w: %s: %w", pixels.ErrMetadataLoad, resolved, err)
	}
	return r, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) URI() string { return r.uri }

func (r *Reader) openArray() (*tiledb.Array, error) {
	arr, err := tiledb.NewArray(r.ctx, r.uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", r.uri, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	return arr, nil
}

func (r *Reader) loadSchema() error {
	arr, err := r.openArray()
	if err != nil {
		return err
	}
	defer arr.Free()
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(Attribute)
	if err != nil {
		return fmt.Errorf("missing %q attribute: %w", Attribute, err)
	}
	defer attr.Free()
	dt, err := attr.Type()
	if err != nil {
		return err
	}
	if r.pt, err = pixelType(dt); err != nil {
		return err
	}

	var sizes [5]int
	for i, name := range dimNames {
		ned, isEmpty, err := arr.NonEmptyDomainFromName(name)
		if err != nil {
			return fmt.Errorf("failed to get %s non-empty domain: %w", name, err)
		}
		if isEmpty || ned == nil {
			return fmt.Errorf("array is empty along %s", name)
		}
		lo, hi, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return fmt.Errorf("failed to parse %s bounds: %w", name, err)
		}
		if lo != 0 {
			return fmt.Errorf("dimension %s starts at %d, want 0", name, lo)
		}
		sizes[i] = int(hi) + 1
	}
	r.dims = pixels.Dimensions{SizeT: sizes[0], SizeC: sizes[1], SizeZ: sizes[2], SizeY: sizes[3], SizeX: sizes[4]}
	return r.dims.Validate()
}

func pixelType(dt tiledb.Datatype) (pixels.PixelType, error) {
	switch dt {
	case tiledb.TILEDB_INT8:
		return pixels.Int8, nil
	case tiledb.TILEDB_UINT8:
		return pixels.Uint8, nil
	case tiledb.TILEDB_INT16:
		return pixels.Int16, nil
	case tiledb.TILEDB_UINT16:
		return pixels.Uint16, nil
	case tiledb.TILEDB_INT32:
		return pixels.Int32, nil
	case tiledb.TILEDB_UINT32:
		return pixels.Uint32, nil
	case tiledb.TILEDB_FLOAT32:
		return pixels.Float, nil
	case tiledb.TILEDB_FLOAT64:
		return pixels.Double, nil
	default:
		return "", fmt.Errorf("unsupported intensity type: %v", dt)
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

// Load computes channel statistics by scanning every plane.
func (r *Reader) Load(ctx context.Context) error {
	r.mu.RLock()
	have := r.stats != nil
	r.mu.RUnlock()
	if have {
		return nil
	}
	stats, err := pixels.ComputeStats(ctx, r, r.dims, r.pt)
	if err != nil {
		return fmt.Errorf("%w: %w", pixels.ErrMetadataLoad, err)
	}
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
	return nil
}

func (r *Reader) Dimensions() pixels.Dimensions { return r.dims }

func (r *Reader) PixelType() pixels.PixelType { return r.pt }

func (r *Reader) Stats() *pixels.ChannelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *Reader) PersistedRenderingDef() *settings.RenderingDef { return nil }

func (r *Reader) DataSource() pixels.PixelDataSource { return r }

// ReadPlane reads one XY plane as little-endian samples.
func (r *Reader) ReadPlane(ctx context.Context, c, z, t int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := r.readPlane(c, z, t)
	if err != nil {
		return nil, fmt.Errorf("%w: plane c=%d z=%d t=%d: %w", pixels.ErrDataSource, c, z, t, err)
	}
	return data, nil
}

func (r *Reader) readPlane(c, z, t int) ([]byte, error) {
	d := r.dims
	if c < 0 || c >= d.SizeC || z < 0 || z >= d.SizeZ || t < 0 || t >= d.SizeT {
		return nil, fmt.Errorf("out of range")
	}
	arr, err := r.openArray()
	if err != nil {
		return nil, err
	}
	defer arr.Free()
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	ranges := [5][2]int64{
		{int64(t), int64(t)},
		{int64(c), int64(c)},
		{int64(z), int64(z)},
		{0, int64(d.SizeY - 1)},
		{0, int64(d.SizeX - 1)},
	}
	for i, name := range dimNames {
		if err := sub.AddRangeByName(name, tiledb.MakeRange[int64](ranges[i][0], ranges[i][1])); err != nil {
			return nil, fmt.Errorf("failed to add %s range: %w", name, err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	n := d.PlaneLen()
	var buf interface{}
	switch r.pt {
	case pixels.Int8:
		buf = make([]int8, n)
	case pixels.Uint8:
		buf = make([]uint8, n)
	case pixels.Int16:
		buf = make([]int16, n)
	case pixels.Uint16:
		buf = make([]uint16, n)
	case pixels.Int32:
		buf = make([]int32, n)
	case pixels.Uint32:
		buf = make([]uint32, n)
	case pixels.Float:
		buf = make([]float32, n)
	case pixels.Double:
		buf = make([]float64, n)
	}
	if _, err := q.SetDataBuffer(Attribute, buf); err != nil {
		return nil, fmt.Errorf("failed to set buffer %s: %w", Attribute, err)
	}
	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("unexpected query status: %v", status)
	}

	var out bytes.Buffer
	out.Grow(n * r.pt.BytesPerPixel())
	if err := binary.Write(&out, binary.LittleEndian, buf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Close releases the TileDB context.
func (r *Reader) Close() {
	r.ctx.Free()
}
