package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/planeview/server/internal/cache"
	"github.com/planeview/server/internal/data/memstore"
	"github.com/planeview/server/internal/defstore"
	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/service"
	"github.com/planeview/server/internal/worker"
)

var testDims = pixels.Dimensions{SizeX: 4, SizeY: 4, SizeZ: 3, SizeC: 2, SizeT: 2}

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	image  *memstore.Store
}

// setupTestServer serves one in-memory image under the id "default".
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	img := memstore.New(testDims, pixels.Uint8)
	img.Fill(func(c, z, tt, x, y int) float64 {
		return float64(10*c + 20*z + 5*tt + x + y)
	})

	store, err := defstore.NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open settings store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cacheManager, err := cache.NewManager(cache.Config{
		PlaneCacheSizeMB: 8, // Smaller cache for tests
		PlaneTTL:         5 * time.Minute,
		RawPlaneEntries:  16,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	pool := worker.NewPool(worker.Config{Workers: 2, QueueSize: 32, Logger: quiet})
	pool.Start()
	t.Cleanup(pool.Stop)

	svc, err := service.NewViewService(context.Background(), service.ViewServiceConfig{
		ImageID: "default",
		Name:    "Test image",
		Source:  img,
		Store:   store,
		Cache:   cacheManager,
		Pool:    pool,
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("Failed to initialize view service: %v", err)
	}

	registry := NewImageRegistry("default", "")
	registry.Register(svc)
	t.Cleanup(func() { registry.Close() })

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{server: server, image: img}
}

func (ts *testServer) do(t *testing.T, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rd)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, body []byte, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d (%s)", expected, resp.StatusCode, bytes.TrimSpace(body))
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if !bytes.HasPrefix(body, pngMagic) {
		t.Errorf("Response is not a PNG (got %d bytes)", len(body))
	}
}

func decodeSettings(t *testing.T, body []byte) service.Settings {
	t.Helper()
	var s service.Settings
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("Failed to parse settings: %v (%s)", err, body)
	}
	if s.Def == nil {
		t.Fatalf("settings response has no def: %s", body)
	}
	return s
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assertStatusCode(t, resp, body, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestImagesEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/api/images", "")
	assertStatusCode(t, resp, body, http.StatusOK)

	var got struct {
		Default string      `json:"default"`
		Images  []ImageInfo `json:"images"`
		Title   string      `json:"title"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if got.Default != "default" || got.Title != "PlaneView" {
		t.Errorf("default/title = %q/%q", got.Default, got.Title)
	}
	if len(got.Images) != 1 || got.Images[0].Name != "Test image" {
		t.Errorf("images = %+v", got.Images)
	}
}

func TestPlaneEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
	}{
		{"xy plane", "/i/default/planes/1/0.png", http.StatusOK, true},
		{"xy plane second timepoint", "/i/default/planes/2/1.png", http.StatusOK, true},
		{"xz plane", "/i/default/planes/0/0.png?orientation=xz&pos=2", http.StatusOK, true},
		{"zy plane", "/i/default/planes/0/1.png?orientation=zy&pos=3", http.StatusOK, true},
		{"invalid z parameter", "/i/default/planes/abc/0.png", http.StatusBadRequest, false},
		{"z out of range", "/i/default/planes/7/0.png", http.StatusBadRequest, false},
		{"t out of range", "/i/default/planes/0/9.png", http.StatusBadRequest, false},
		{"unknown orientation", "/i/default/planes/0/0.png?orientation=yz", http.StatusBadRequest, false},
		{"missing pos", "/i/default/planes/0/0.png?orientation=xz", http.StatusBadRequest, false},
		{"pos out of range", "/i/default/planes/0/0.png?orientation=zy&pos=4", http.StatusBadRequest, false},
		{"unknown image", "/i/nope/planes/0/0.png", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, tt.path, "")
			assertStatusCode(t, resp, body, tt.expectedStatus)
			if tt.expectPNG {
				if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
					t.Errorf("Content-Type = %q", ct)
				}
				assertPNG(t, body)
			}
		})
	}
}

func TestPlaneEndpointDataSourceError(t *testing.T) {
	ts := setupTestServer(t)
	ts.image.ReadErr = errors.New("disk gone")
	resp, body := ts.do(t, http.MethodGet, "/i/default/planes/0/0.png", "")
	assertStatusCode(t, resp, body, http.StatusBadGateway)
}

func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/i/default/api/metadata", "")
	assertStatusCode(t, resp, body, http.StatusOK)

	var md service.ImageMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if md.Dimensions.SizeZ != 3 || md.PixelType != pixels.Uint8 || len(md.Channels) != 2 {
		t.Errorf("metadata = %+v", md)
	}
}

func TestRenderingChangeEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/i/default/api/rendering", "")
	assertStatusCode(t, resp, body, http.StatusOK)
	if s := decodeSettings(t, body); s.Revision != 0 || s.Def.Model != "greyscale" {
		t.Fatalf("initial settings = %+v", s)
	}

	change := `{"model":"rgb","channels":[{"index":1,"active":true,"color":"#00ff00","window":[0,40]}]}`
	resp, body = ts.do(t, http.MethodPatch, "/i/default/api/rendering", change)
	assertStatusCode(t, resp, body, http.StatusOK)
	s := decodeSettings(t, body)
	if s.Revision != 1 || s.Def.Model != "rgb" {
		t.Fatalf("changed settings = %+v", s)
	}
	b := s.Def.Channels[1]
	if !b.Active || b.Color.G != 255 || b.Color.R != 0 || b.InputStart != 0 || b.InputEnd != 40 {
		t.Fatalf("channel 1 = %+v", b)
	}

	resp, body = ts.do(t, http.MethodGet, "/i/default/planes/1/0.png", "")
	assertStatusCode(t, resp, body, http.StatusOK)
	assertPNG(t, body)
}

func TestRenderingChangeRejected(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"unknown field", `{"colour":"red"}`},
		{"unknown model", `{"model":"cmyk"}`},
		{"bad window", `{"channels":[{"index":0,"window":[10,5]}]}`},
		{"bad channel", `{"channels":[{"index":5,"active":true}]}`},
		{"bad curve", `{"channels":[{"index":0,"family":"exponential","coefficient":500}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPatch, "/i/default/api/rendering", tt.body)
			assertStatusCode(t, resp, body, http.StatusBadRequest)
		})
	}

	_, body := ts.do(t, http.MethodGet, "/i/default/api/rendering", "")
	if s := decodeSettings(t, body); s.Revision != 0 {
		t.Errorf("rejected changes moved revision to %d", s.Revision)
	}
}

func TestAutoWindowEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/i/default/api/rendering/channels/0/auto?z=2&t=1", "")
	assertStatusCode(t, resp, body, http.StatusOK)
	s := decodeSettings(t, body)
	b := s.Def.Channels[0]
	// channel 0 on z2 t1 spans 45..51
	if b.InputStart < 45 || b.InputEnd > 51 || b.InputEnd <= b.InputStart {
		t.Errorf("window = [%v,%v]", b.InputStart, b.InputEnd)
	}

	for _, path := range []string{
		"/i/default/api/rendering/channels/x/auto",
		"/i/default/api/rendering/channels/4/auto",
		"/i/default/api/rendering/channels/0/auto?z=1",
	} {
		resp, body := ts.do(t, http.MethodPost, path, "")
		assertStatusCode(t, resp, body, http.StatusBadRequest)
	}
}

func TestSaveAndResetEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPatch, "/i/default/api/rendering", `{"model":"hsb"}`)
	assertStatusCode(t, resp, body, http.StatusOK)

	resp, body = ts.do(t, http.MethodPost, "/i/default/api/rendering/save", "")
	assertStatusCode(t, resp, body, http.StatusOK)
	var rec defstore.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("Failed to parse record: %v", err)
	}
	if rec.ImageID != "default" || rec.Def == nil || rec.Def.Model != "hsb" {
		t.Fatalf("record = %+v", rec)
	}

	resp, body = ts.do(t, http.MethodPost, "/i/default/api/rendering/reset", "")
	assertStatusCode(t, resp, body, http.StatusOK)
	if s := decodeSettings(t, body); s.Def.Model != "greyscale" || s.Revision != 2 {
		t.Fatalf("after reset = %+v", s)
	}
}

func TestStateEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodGet, "/i/default/planes/1/1.png", "")

	resp, body := ts.do(t, http.MethodGet, "/i/default/api/state", "")
	assertStatusCode(t, resp, body, http.StatusOK)
	var st service.ViewState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if st.Timepoint != 1 || st.Manager != "populated" || st.Cached != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", pixels.ErrConfiguration), http.StatusBadRequest},
		{fmt.Errorf("%w: read", pixels.ErrDataSource), http.StatusBadGateway},
		{pixels.ErrMetadataLoad, http.StatusBadGateway},
		{fmt.Errorf("%w: gone", pixels.ErrInterrupted), http.StatusServiceUnavailable},
		{pixels.ErrUnexpectedTask, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
