package zarr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/settings"
)

// RawCache holds decoded planes between reads.
type RawCache interface {
	GetRaw(key string) ([]byte, bool)
	SetRaw(key string, data []byte)
}

// Reader provides access to a pixel set stored as Zarr.
type Reader struct {
	basePath  string
	metadata  *Metadata
	array     *ZarrV3ArrayMeta
	bigEndian bool
	decoder   *zstd.Decoder
	raw       RawCache

	mu    sync.RWMutex
	stats *pixels.ChannelStats
}

// NewReader opens the store at basePath and reads its metadata. raw may be nil.
func NewReader(basePath string, raw RawCache) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
		raw:      raw,
	}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("%w: %s: %w", pixels.ErrMetadataLoad, basePath, err)
	}
	return r, nil
}

func (r *Reader) loadMetadata() error {
	var m Metadata
	if err := readJSON(filepath.Join(r.basePath, metadataFile), &m); err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}
	if err := m.Dimensions.Validate(); err != nil {
		return err
	}
	var a ZarrV3ArrayMeta
	if err := readJSON(filepath.Join(r.basePath, arrayDir, "zarr.json"), &a); err != nil {
		return fmt.Errorf("failed to read array metadata: %w", err)
	}
	if err := a.validate(&m); err != nil {
		return err
	}
	bigEndian, err := a.codecs()
	if err != nil {
		return err
	}
	r.metadata, r.array, r.bigEndian = &m, &a, bigEndian
	if len(m.StatsMin) > 0 {
		stats, err := pixels.NewChannelStats(m.StatsMin, m.StatsMax)
		if err != nil {
			return err
		}
		r.stats = stats
	}
	return nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// Load computes channel statistics when the store did not record them.
func (r *Reader) Load(ctx context.Context) error {
	r.mu.RLock()
	have := r.stats != nil
	r.mu.RUnlock()
	if have {
		return nil
	}
	stats, err := pixels.ComputeStats(ctx, r, r.metadata.Dimensions, r.metadata.PixelType)
	if err != nil {
		return fmt.Errorf("%w: %w", pixels.ErrMetadataLoad, err)
	}
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
	return nil
}

func (r *Reader) Dimensions() pixels.Dimensions { return r.metadata.Dimensions }

func (r *Reader) PixelType() pixels.PixelType { return r.metadata.PixelType }

func (r *Reader) Stats() *pixels.ChannelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// PersistedRenderingDef returns nil; rendering settings live in the settings store.
func (r *Reader) PersistedRenderingDef() *settings.RenderingDef { return nil }

func (r *Reader) DataSource() pixels.PixelDataSource { return r }

func (r *Reader) rawKey(c, z, t int) string {
	return fmt.Sprintf("raw:%s/%d/%d/%d", r.basePath, c, z, t)
}

// ReadPlane returns one XY plane as little-endian samples. Chunks missing on
// disk read as the fill value.
func (r *Reader) ReadPlane(ctx context.Context, c, z, t int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := r.metadata.Dimensions
	if c < 0 || c >= d.SizeC || z < 0 || z >= d.SizeZ || t < 0 || t >= d.SizeT {
		return nil, fmt.Errorf("%w: plane c=%d z=%d t=%d out of range", pixels.ErrDataSource, c, z, t)
	}

	key := r.rawKey(c, z, t)
	if r.raw != nil {
		if data, ok := r.raw.GetRaw(key); ok {
			return append([]byte(nil), data...), nil
		}
	}

	data, err := r.readChunk([]int{t, c, z, 0, 0})
	if err != nil {
		return nil, fmt.Errorf("%w: plane c=%d z=%d t=%d: %w", pixels.ErrDataSource, c, z, t, err)
	}
	if r.raw != nil {
		r.raw.SetRaw(key, append([]byte(nil), data...))
	}
	return data, nil
}

// readChunk reads and decompresses one plane chunk.
func (r *Reader) readChunk(chunkIndices []int) ([]byte, error) {
	pt := r.metadata.PixelType
	want := r.metadata.Dimensions.PlaneLen() * pt.BytesPerPixel()

	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(r.basePath, arrayDir, "c", filepath.FromSlash(r.array.encodeChunkKey(chunkIndices)))
	compressed, err := os.ReadFile(chunkPath)
	if errors.Is(err, fs.ErrNotExist) {
		return r.array.fillPlane(pt, r.metadata.Dimensions.PlaneLen())
	}
	if err != nil {
		return nil, err
	}

	data, err := r.decoder.DecodeAll(compressed, make([]byte, 0, want))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	if len(data) != want {
		return nil, fmt.Errorf("chunk %v holds %d bytes, want %d", chunkIndices, len(data), want)
	}
	if r.bigEndian {
		swapBytes(data, pt.BytesPerPixel())
	}
	return data, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.decoder.Close()
}
