// Package api provides HTTP handlers for the PlaneView server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/planeview/server/internal/pixels"
	"github.com/planeview/server/internal/service"
)

const maxSettingsBodyBytes = 1 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ImageRegistry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/images", imagesHandler(cfg.Registry))

	// Image-scoped routes: /i/{image}/...
	r.Route("/i/{image}", func(r chi.Router) {
		r.Use(imageMiddleware(cfg.Registry))

		r.Get("/planes/{z}/{t}.png", planeHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/state", stateHandler)
			r.Get("/rendering", renderingHandler)
			r.Patch("/rendering", renderingChangeHandler)
			r.Post("/rendering/channels/{c}/auto", autoWindowHandler)
			r.Post("/rendering/save", saveHandler)
			r.Post("/rendering/reset", resetHandler)
		})
	})

	return r
}

// Context key for the image's view service
type ctxKey string

const viewServiceKey ctxKey = "viewService"

// imageMiddleware resolves the image from URL and injects its view service into context.
func imageMiddleware(registry *ImageRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			imageID := chi.URLParam(r, "image")
			svc := registry.Get(imageID)
			if svc == nil {
				http.Error(w, "image not found: "+imageID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), viewServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getViewService(r *http.Request) *service.ViewService {
	if svc, ok := r.Context().Value(viewServiceKey).(*service.ViewService); ok {
		return svc
	}
	return nil
}

// errorStatus maps render error kinds onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, pixels.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, pixels.ErrDataSource), errors.Is(err, pixels.ErrMetadataLoad):
		return http.StatusBadGateway
	case errors.Is(err, pixels.ErrInterrupted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorStatus(err))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// imagesHandler returns the list of available images.
func imagesHandler(registry *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default": registry.DefaultImageID(),
			"images":  registry.Images(),
			"title":   registry.Title(),
		})
	}
}

// planeHandler serves /planes/{z}/{t}.png. XZ and ZY planes are selected with
// ?orientation=xz|zy&pos=N, where pos is the Y row or X column.
func planeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		http.Error(w, "invalid z", http.StatusBadRequest)
		return
	}
	t, err := strconv.Atoi(chi.URLParam(r, "t"))
	if err != nil {
		http.Error(w, "invalid t", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	orientation, err := pixels.ParseOrientation(q.Get("orientation"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sel := pixels.PlaneSelector{Orientation: orientation, Z: z, T: t}
	if orientation != pixels.XY {
		pos, err := strconv.Atoi(strings.TrimSpace(q.Get("pos")))
		if err != nil {
			http.Error(w, "invalid pos", http.StatusBadRequest)
			return
		}
		sel.Position = pos
	}

	data, err := svc.Plane(r.Context(), sel)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, svc.Metadata())
}

func stateHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, svc.State())
}

func renderingHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, svc.Settings())
}

func renderingChangeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	var change service.SettingsChange
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSettingsBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&change); err != nil {
		http.Error(w, "invalid settings change: "+err.Error(), http.StatusBadRequest)
		return
	}
	got, err := svc.Change(r.Context(), change)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, got)
}

// autoWindowHandler fits channel c's window to the plane named by the
// optional z and t query params, or the default plane.
func autoWindowHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	c, err := strconv.Atoi(chi.URLParam(r, "c"))
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	var sel *pixels.PlaneSelector
	q := r.URL.Query()
	if q.Has("z") || q.Has("t") {
		z, zerr := strconv.Atoi(q.Get("z"))
		t, terr := strconv.Atoi(q.Get("t"))
		if zerr != nil || terr != nil {
			http.Error(w, "z and t must both be integers", http.StatusBadRequest)
			return
		}
		p := pixels.XYPlane(z, t)
		sel = &p
	}
	got, err := svc.AutoWindow(r.Context(), c, sel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, got)
}

func saveHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	rec, err := svc.Save()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

func resetHandler(w http.ResponseWriter, r *http.Request) {
	svc := getViewService(r)
	if svc == nil {
		http.Error(w, "view service not found", http.StatusInternalServerError)
		return
	}
	got, err := svc.Reset()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, got)
}
