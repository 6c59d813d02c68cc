package api

import (
	"github.com/planeview/server/internal/service"
)

// ImageInfo contains information about an image for the API response.
type ImageInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ImageRegistry holds view services for all configured images.
type ImageRegistry struct {
	services     map[string]*service.ViewService
	defaultImage string
	order        []string
	title        string
}

// NewImageRegistry creates a new image registry.
func NewImageRegistry(defaultImage string, title string) *ImageRegistry {
	return &ImageRegistry{
		services:     make(map[string]*service.ViewService),
		defaultImage: defaultImage,
		title:        title,
	}
}

// Register adds the view service of an image. Images are listed in
// registration order.
func (r *ImageRegistry) Register(svc *service.ViewService) {
	if _, ok := r.services[svc.ID()]; !ok {
		r.order = append(r.order, svc.ID())
	}
	r.services[svc.ID()] = svc
}

// Get returns the view service for an image, or nil if not found.
func (r *ImageRegistry) Get(imageID string) *service.ViewService {
	return r.services[imageID]
}

// Default returns the default image's view service.
func (r *ImageRegistry) Default() *service.ViewService {
	return r.services[r.defaultImage]
}

// DefaultImageID returns the default image ID.
func (r *ImageRegistry) DefaultImageID() string {
	return r.defaultImage
}

// ImageIDs returns all image IDs in registration order.
func (r *ImageRegistry) ImageIDs() []string {
	return r.order
}

// Title returns the configured site title.
func (r *ImageRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "PlaneView"
}

// Images returns image info for all registered images.
func (r *ImageRegistry) Images() []ImageInfo {
	infos := make([]ImageInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, ImageInfo{ID: id, Name: r.services[id].Name()})
	}
	return infos
}

// Close closes every view service.
func (r *ImageRegistry) Close() {
	for _, id := range r.order {
		r.services[id].Close()
	}
}
