package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/planeview/server/internal/cache"
	"github.com/planeview/server/internal/data/memstore"
	"github.com/planeview/server/internal/defstore"
	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/render"
	"github.com/planeview/server/internal/settings"
	"github.com/planeview/server/internal/worker"
)

var testDims = pixels.Dimensions{SizeX: 4, SizeY: 4, SizeZ: 5, SizeC: 3, SizeT: 2}

func quietLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

// newTestImage returns a 3-channel uint16 set whose channels 0 and 1 peak at
// 4095 on pixel (1,1).
func newTestImage() *memstore.Store {
	s := memstore.New(testDims, pixels.Uint16)
	s.Fill(func(c, z, t, x, y int) float64 {
		if x == 1 && y == 1 && c < 2 {
			return 4095
		}
		return float64(100*c + 10*z + 1000*t + x)
	})
	return s
}

type fixture struct {
	img   *memstore.Store
	store *defstore.Store
	cache *cache.Manager
	pool  *worker.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := defstore.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cm, err := cache.NewManager(cache.Config{PlaneCacheSizeMB: 8, PlaneTTL: time.Minute, RawPlaneEntries: 16})
	if err != nil {
		t.Fatalf("cache.NewManager: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	pool := worker.NewPool(worker.Config{Workers: 2, QueueSize: 64, Logger: quietLogger()})
	pool.Start()
	t.Cleanup(pool.Stop)

	return &fixture{img: newTestImage(), store: store, cache: cm, pool: pool}
}

func (f *fixture) service(t *testing.T) *ViewService {
	t.Helper()
	return f.serviceFor(t, f.img)
}

func (f *fixture) serviceFor(t *testing.T, src render.MetadataSource) *ViewService {
	t.Helper()
	svc, err := NewViewService(context.Background(), ViewServiceConfig{
		ImageID: "img",
		Name:    "Test image",
		Source:  src,
		Store:   f.store,
		Cache:   f.cache,
		Pool:    f.pool,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewViewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

// gatedImage blocks reads of section z until gate is closed. started is
// closed by the first blocked read.
type gatedImage struct {
	*memstore.Store
	z       int
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func newGatedImage(s *memstore.Store, z int) *gatedImage {
	return &gatedImage{Store: s, z: z, gate: make(chan struct{}), started: make(chan struct{})}
}

func (g *gatedImage) DataSource() pixels.PixelDataSource { return gatedSource{g} }

type gatedSource struct{ g *gatedImage }

func (s gatedSource) ReadPlane(ctx context.Context, c, z, t int) ([]byte, error) {
	if z == s.g.z {
		s.g.once.Do(func() { close(s.g.started) })
		select {
		case <-s.g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.g.Store.ReadPlane(ctx, c, z, t)
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	return img
}

func rgbaAt(img image.Image, x, y int) [4]uint8 {
	r, g, b, a := img.At(x, y).RGBA()
	return [4]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
}

func ptr[T any](v T) *T { return &v }

func TestMetadata(t *testing.T) {
	svc := newFixture(t).service(t)
	md := svc.Metadata()
	if md.ID != "img" || md.Name != "Test image" {
		t.Fatalf("id/name = %q/%q", md.ID, md.Name)
	}
	if md.PixelType != pixels.Uint16 || md.Dimensions.SizeZ != 5 {
		t.Fatalf("metadata = %+v", md)
	}
	if len(md.Channels) != 3 {
		t.Fatalf("channels = %d, want 3", len(md.Channels))
	}
	if md.Channels[1].Min != 100 || md.Channels[1].Max != 4095 {
		t.Fatalf("channel 1 range = %v..%v, want 100..4095", md.Channels[1].Min, md.Channels[1].Max)
	}
}

func TestPlaneCachedByRevision(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	data, err := svc.Plane(ctx, pixels.XYPlane(2, 0))
	if err != nil {
		t.Fatalf("Plane: %v", err)
	}
	img := decode(t, data)
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Fatalf("bounds = %v", b)
	}
	if got := rgbaAt(img, 1, 1); got != [4]uint8{255, 255, 255, 255} {
		t.Fatalf("peak pixel = %v", got)
	}

	reads := f.img.Reads()
	again, err := svc.Plane(ctx, pixels.XYPlane(2, 0))
	if err != nil {
		t.Fatalf("Plane again: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("cached plane differs from first render")
	}
	if f.img.Reads() != reads {
		t.Fatalf("cached plane read pixels: %d -> %d", reads, f.img.Reads())
	}
}

func TestPlaneOrthogonal(t *testing.T) {
	svc := newFixture(t).service(t)
	data, err := svc.Plane(context.Background(), pixels.PlaneSelector{Orientation: pixels.XZ, T: 0, Position: 1})
	if err != nil {
		t.Fatalf("Plane: %v", err)
	}
	if b := decode(t, data).Bounds(); b.Dx() != 4 || b.Dy() != 5 {
		t.Fatalf("xz bounds = %v, want 4x5", b)
	}
}

func TestPlaneInvalidSelector(t *testing.T) {
	svc := newFixture(t).service(t)
	_, err := svc.Plane(context.Background(), pixels.XYPlane(9, 0))
	if !errors.Is(err, pixels.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestChangeRerenders(t *testing.T) {
	svc := newFixture(t).service(t)
	ctx := context.Background()
	if _, err := svc.Plane(ctx, pixels.XYPlane(2, 0)); err != nil {
		t.Fatalf("Plane: %v", err)
	}

	model := settings.RGB
	got, err := svc.Change(ctx, SettingsChange{
		Model: &model,
		Channels: []ChannelChange{
			{Index: 0, Active: ptr(false)},
			{Index: 1, Active: ptr(true), Color: ptr("#ff8000")},
		},
	})
	if err != nil {
		t.Fatalf("Change: %v", err)
	}
	if got.Revision != 1 {
		t.Fatalf("revision = %d, want 1", got.Revision)
	}
	if got.Def.Model != settings.RGB || !got.Def.Channels[1].Active {
		t.Fatalf("def = %+v", got.Def)
	}
	if st := svc.State(); st.Cached != 0 || st.Manager != "idle" {
		t.Fatalf("state after change = %+v", st)
	}

	data, err := svc.Plane(ctx, pixels.XYPlane(2, 0))
	if err != nil {
		t.Fatalf("Plane after change: %v", err)
	}
	if px := rgbaAt(decode(t, data), 1, 1); px != [4]uint8{255, 128, 0, 255} {
		t.Fatalf("peak pixel after change = %v, want [255 128 0 255]", px)
	}
}

func TestChangeRollsBack(t *testing.T) {
	svc := newFixture(t).service(t)
	before := svc.Settings()

	tests := []struct {
		name   string
		change SettingsChange
	}{
		{"channel out of range", SettingsChange{Channels: []ChannelChange{
			{Index: 0, Active: ptr(false)},
			{Index: 9, Active: ptr(true)},
		}}},
		{"unknown model", SettingsChange{Model: ptr(settings.ColorModel("sepia"))}},
		{"bad color", SettingsChange{Channels: []ChannelChange{{Index: 1, Color: ptr("not-a-color")}}}},
		{"bad codomain", SettingsChange{
			BitResolution: ptr(settings.Depth4Bit),
			Codomain:      &[2]int{200, 100},
		}},
		{"duplicate codomain map", SettingsChange{AddMaps: []settings.CodomainMapDef{
			{Kind: settings.ReverseIntensityMap},
			{Kind: settings.ReverseIntensityMap},
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Change(context.Background(), tc.change)
			if !errors.Is(err, pixels.ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
			after := svc.Settings()
			if after.Revision != before.Revision {
				t.Fatalf("revision moved to %d", after.Revision)
			}
			if !after.Def.Channels[0].Active || after.Def.Model != before.Def.Model ||
				after.Def.Quantum != before.Def.Quantum || len(after.Def.CodomainMaps) != 0 {
				t.Fatalf("settings not restored: %+v", after.Def)
			}
		})
	}
}

func TestFailedChangeIsNeverRendered(t *testing.T) {
	f := newFixture(t)
	img := newGatedImage(f.img, 0)
	svc := f.serviceFor(t, img)
	ctx := context.Background()

	// A z=0 render holds the renderer while its read is blocked.
	held := make(chan error, 1)
	go func() {
		_, err := svc.Plane(ctx, pixels.XYPlane(0, 0))
		held <- err
	}()
	<-img.started

	changed := make(chan error, 1)
	go func() {
		_, err := svc.Change(ctx, SettingsChange{
			Model:    ptr(settings.RGB),
			Channels: []ChannelChange{{Index: 0, Window: &[2]float64{5, 1}}},
		})
		changed <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		data []byte
		err  error
	}
	during := make(chan result, 1)
	go func() {
		data, err := svc.Plane(ctx, pixels.XYPlane(1, 0))
		during <- result{data, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(img.gate)

	if err := <-held; err != nil {
		t.Fatalf("z=0 plane: %v", err)
	}
	if err := <-changed; !errors.Is(err, pixels.ErrConfiguration) {
		t.Fatalf("change err = %v, want ErrConfiguration", err)
	}
	got := <-during
	if got.err != nil {
		t.Fatalf("z=1 plane: %v", got.err)
	}

	if st := svc.Settings(); st.Revision != 0 || st.Def.Model != settings.Grayscale {
		t.Fatalf("settings after failed change = revision %d model %s", st.Revision, st.Def.Model)
	}
	again, err := svc.Plane(ctx, pixels.XYPlane(1, 0))
	if err != nil {
		t.Fatalf("z=1 plane again: %v", err)
	}
	for name, data := range map[string][]byte{"during change": got.data, "after change": again} {
		px := rgbaAt(decode(t, data), 1, 1)
		if px[0] != px[1] || px[1] != px[2] {
			t.Fatalf("%s: z=1 peak pixel = %v, want grey", name, px)
		}
	}
}

func TestChangeCodomainMaps(t *testing.T) {
	svc := newFixture(t).service(t)
	ctx := context.Background()

	got, err := svc.Change(ctx, SettingsChange{AddMaps: []settings.CodomainMapDef{{Kind: settings.ReverseIntensityMap}}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(got.Def.CodomainMaps) != 1 {
		t.Fatalf("maps = %+v", got.Def.CodomainMaps)
	}
	data, err := svc.Plane(ctx, pixels.XYPlane(2, 0))
	if err != nil {
		t.Fatalf("Plane: %v", err)
	}
	if px := rgbaAt(decode(t, data), 1, 1); px != [4]uint8{0, 0, 0, 255} {
		t.Fatalf("reversed peak = %v", px)
	}

	got, err = svc.Change(ctx, SettingsChange{RemoveMapKinds: []string{settings.ReverseIntensityMap}})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(got.Def.CodomainMaps) != 0 || got.Revision != 2 {
		t.Fatalf("after remove: %+v", got)
	}
}

func TestChangeQuantizationKeepsUnsetFields(t *testing.T) {
	svc := newFixture(t).service(t)
	got, err := svc.Change(context.Background(), SettingsChange{Channels: []ChannelChange{
		{Index: 2, NoiseReduction: ptr(true)},
	}})
	if err != nil {
		t.Fatalf("Change: %v", err)
	}
	b := got.Def.Channels[2]
	if !b.NoiseReduction || b.Family != settings.Linear || b.Coefficient != 1 {
		t.Fatalf("binding = %+v", b)
	}
}

func TestAutoWindow(t *testing.T) {
	svc := newFixture(t).service(t)
	got, err := svc.AutoWindow(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("AutoWindow: %v", err)
	}
	b := got.Def.Channels[0]
	// channel 0 on z2 t0 holds 20..23 and one 4095 peak
	if b.InputStart < 20 || b.InputStart > 23 {
		t.Fatalf("window start = %v", b.InputStart)
	}
	if b.InputEnd <= b.InputStart || b.InputEnd > 4095 {
		t.Fatalf("window end = %v", b.InputEnd)
	}
	if got.Revision != 1 {
		t.Fatalf("revision = %d", got.Revision)
	}

	if _, err := svc.AutoWindow(context.Background(), 7, nil); !errors.Is(err, pixels.ErrConfiguration) {
		t.Fatalf("bad channel err = %v", err)
	}
	sel := pixels.XYPlane(0, 5)
	if _, err := svc.AutoWindow(context.Background(), 0, &sel); !errors.Is(err, pixels.ErrConfiguration) {
		t.Fatalf("bad plane err = %v", err)
	}
}

func TestAutoWindowReadError(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	f.img.ReadErr = errors.New("disk gone")
	if _, err := svc.AutoWindow(context.Background(), 0, nil); !errors.Is(err, pixels.ErrDataSource) {
		t.Fatalf("err = %v, want ErrDataSource", err)
	}
}

func TestAutoWindowInterrupted(t *testing.T) {
	f := newFixture(t)
	svc := f.serviceFor(t, newGatedImage(f.img, 2))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.AutoWindow(ctx, 0, nil)
	if !errors.Is(err, pixels.ErrInterrupted) || errors.Is(err, pixels.ErrDataSource) {
		t.Fatalf("err = %v, want ErrInterrupted only", err)
	}
	if st := svc.Settings(); st.Revision != 0 {
		t.Fatalf("revision = %d after interrupted auto window", st.Revision)
	}
}

func TestSaveAndReload(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	if _, err := svc.Change(ctx, SettingsChange{Channels: []ChannelChange{{Index: 1, Active: ptr(true)}}}); err != nil {
		t.Fatalf("Change: %v", err)
	}
	rec, err := svc.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rec.ImageID != "img" || rec.Version != 1 {
		t.Fatalf("record = %+v", rec)
	}

	reloaded := f.service(t)
	if !reloaded.Settings().Def.Channels[1].Active {
		t.Fatal("reloaded service ignored saved settings")
	}
}

func TestResetForgetsSaved(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	if _, err := svc.Change(ctx, SettingsChange{Model: ptr(settings.HSB)}); err != nil {
		t.Fatalf("Change: %v", err)
	}
	if _, err := svc.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := svc.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got.Def.Model != settings.Grayscale || got.Revision != 2 {
		t.Fatalf("after reset: model %q revision %d", got.Def.Model, got.Revision)
	}
	rec, err := f.store.Get("img")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("saved record survived reset: %+v", rec)
	}
}

func TestInvalidSavedSettingsFallBack(t *testing.T) {
	f := newFixture(t)
	bad := settings.DefaultDef(testDims, nil, pixels.Uint16)
	bad.Channels = bad.Channels[:1]
	if _, err := f.store.Save("img", bad); err != nil {
		t.Fatalf("Save: %v", err)
	}
	svc := f.service(t)
	if n := len(svc.Settings().Def.Channels); n != 3 {
		t.Fatalf("channels = %d, want defaults for 3", n)
	}
}

func TestSaveWithoutStore(t *testing.T) {
	f := newFixture(t)
	svc, err := NewViewService(context.Background(), ViewServiceConfig{
		ImageID: "img",
		Source:  f.img,
		Pool:    f.pool,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewViewService: %v", err)
	}
	defer svc.Close()
	if svc.Name() != "img" {
		t.Fatalf("name = %q, want id fallback", svc.Name())
	}
	if _, err := svc.Save(); !errors.Is(err, pixels.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if _, err := svc.Plane(context.Background(), pixels.XYPlane(0, 0)); err != nil {
		t.Fatalf("Plane without cache: %v", err)
	}
}

func TestNewViewServiceErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := NewViewService(context.Background(), ViewServiceConfig{ImageID: "x", Pool: f.pool}); !errors.Is(err, pixels.ErrConfiguration) {
		t.Fatalf("nil source err = %v", err)
	}
	f.img.LoadErr = errors.New("no such file")
	_, err := NewViewService(context.Background(), ViewServiceConfig{ImageID: "x", Source: f.img, Pool: f.pool, Logger: quietLogger()})
	if !errors.Is(err, pixels.ErrMetadataLoad) {
		t.Fatalf("load err = %v, want ErrMetadataLoad", err)
	}
}
