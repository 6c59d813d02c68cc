package pixels

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type planeMap map[string][]byte

func (m planeMap) ReadPlane(_ context.Context, c, z, t int) ([]byte, error) {
	data, ok := m[fmt.Sprintf("%d/%d/%d", c, z, t)]
	if !ok {
		return nil, fmt.Errorf("%w: missing plane c=%d z=%d t=%d", ErrDataSource, c, z, t)
	}
	return data, nil
}

func TestPixelTypeRoundTrip(t *testing.T) {
	for _, pt := range []PixelType{Int8, Uint8, Int16, Uint16, Int32, Uint32, Float, Double} {
		t.Run(string(pt), func(t *testing.T) {
			vals := []float64{0, 1, 7, 100}
			p, err := NewPlane(pt, 2, 2, pt.Encode(vals))
			if err != nil {
				t.Fatalf("NewPlane: %v", err)
			}
			for i, want := range vals {
				if got := p.Index(i); got != want {
					t.Fatalf("sample %d: got %v want %v", i, got, want)
				}
			}
		})
	}
}

func TestNewPlaneRejectsShortData(t *testing.T) {
	_, err := NewPlane(Uint16, 4, 4, make([]byte, 10))
	if !errors.Is(err, ErrDataSource) {
		t.Fatalf("expected ErrDataSource, got %v", err)
	}
}

func TestParsePixelType(t *testing.T) {
	cases := map[string]PixelType{"uint16": Uint16, "float32": Float, "FLOAT64": Double, " int8 ": Int8}
	for in, want := range cases {
		got, err := ParsePixelType(in)
		if err != nil || got != want {
			t.Errorf("ParsePixelType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePixelType("bit"); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestDimensionsValidate(t *testing.T) {
	good := Dimensions{SizeX: 4, SizeY: 3, SizeZ: 1, SizeC: 1, SizeT: 1}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := good
	bad.SizeC = 0
	if err := bad.Validate(); !errors.Is(err, ErrMetadataLoad) {
		t.Fatalf("expected ErrMetadataLoad, got %v", err)
	}
}

func TestReadPlaneOrthogonal(t *testing.T) {
	d := Dimensions{SizeX: 3, SizeY: 2, SizeZ: 2, SizeC: 1, SizeT: 1}
	src := planeMap{
		"0/0/0": Uint8.Encode([]float64{1, 2, 3, 4, 5, 6}),
		"0/1/0": Uint8.Encode([]float64{7, 8, 9, 10, 11, 12}),
	}
	ctx := context.Background()

	xz, err := ReadPlane(ctx, src, d, Uint8, 0, PlaneSelector{Orientation: XZ, Position: 1})
	if err != nil {
		t.Fatalf("XZ: %v", err)
	}
	if xz.Width != 3 || xz.Height != 2 {
		t.Fatalf("XZ size %dx%d", xz.Width, xz.Height)
	}
	if got := xz.Values(); fmt.Sprint(got) != "[4 5 6 10 11 12]" {
		t.Fatalf("XZ values %v", got)
	}

	zy, err := ReadPlane(ctx, src, d, Uint8, 0, PlaneSelector{Orientation: ZY, Position: 2})
	if err != nil {
		t.Fatalf("ZY: %v", err)
	}
	if zy.Width != 2 || zy.Height != 2 {
		t.Fatalf("ZY size %dx%d", zy.Width, zy.Height)
	}
	if got := zy.Values(); fmt.Sprint(got) != "[3 9 6 12]" {
		t.Fatalf("ZY values %v", got)
	}
}

func TestComputeStats(t *testing.T) {
	d := Dimensions{SizeX: 2, SizeY: 1, SizeZ: 2, SizeC: 2, SizeT: 2}
	src := planeMap{}
	for c := 0; c < 2; c++ {
		for z := 0; z < 2; z++ {
			for tt := 0; tt < 2; tt++ {
				base := float64(c*100 + tt*10 + z)
				src[fmt.Sprintf("%d/%d/%d", c, z, tt)] = Uint16.Encode([]float64{base, base + 5})
			}
		}
	}

	s, err := ComputeStats(context.Background(), src, d, Uint16)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	if got := s.TimepointMin(1, 1); got != 110 {
		t.Errorf("min(1,1) = %v, want 110", got)
	}
	if got := s.TimepointMax(1, 1); got != 116 {
		t.Errorf("max(1,1) = %v, want 116", got)
	}
	if got := s.GlobalMin(0); got != 0 {
		t.Errorf("global min(0) = %v, want 0", got)
	}
	if got := s.GlobalMax(0); got != 16 {
		t.Errorf("global max(0) = %v, want 16", got)
	}
}

func TestSuggestWindow(t *testing.T) {
	vals := make([]float64, 1000)
	for i := range vals {
		vals[i] = float64(i)
	}
	p, err := NewPlane(Uint16, 100, 10, Uint16.Encode(vals))
	if err != nil {
		t.Fatalf("NewPlane: %v", err)
	}

	start, end, err := SuggestWindow(p, 1, 99)
	if err != nil {
		t.Fatalf("SuggestWindow: %v", err)
	}
	if start < 5 || start > 15 {
		t.Errorf("start %v not near the 1st percentile", start)
	}
	if end < 980 || end > 999 {
		t.Errorf("end %v not near the 99th percentile", end)
	}

	flat, _ := NewPlane(Uint8, 2, 2, Uint8.Encode([]float64{9, 9, 9, 9}))
	start, end, err = SuggestWindow(flat, 1, 99)
	if err != nil || start != 9 || end != 10 {
		t.Errorf("flat plane window = %v..%v (%v), want 9..10", start, end, err)
	}

	if _, _, err := SuggestWindow(p, 50, 10); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for inverted percentiles, got %v", err)
	}
}
