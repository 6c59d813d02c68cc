// Package tiledb reads pixel sets stored as dense TileDB arrays.
//
// The array has int64 dimensions t, c, z, y, x (in that order) and one
// attribute, "intensity", whose type is the pixel type.
package tiledb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")
)

// Attribute is the name of the intensity attribute.
const Attribute = "intensity"

// dimNames lists the array dimensions in storage order.
var dimNames = [5]string{"t", "c", "z", "y", "x"}

// ResolveArrayURI normalizes a configured array location. Remote URIs
// (s3://, tiledb://, ...) are returned unchanged; local paths are cleaned and
// environment variables expanded.
func ResolveArrayURI(uri string) (string, error) {
	p := strings.TrimSpace(uri)
	if p == "" {
		return "", errors.New("empty tiledb_uri")
	}
	if strings.Contains(p, "://") {
		return p, nil
	}
	return filepath.Clean(os.ExpandEnv(p)), nil
}
