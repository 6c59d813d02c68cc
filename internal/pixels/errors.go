// Package pixels describes multi-dimensional pixel sets: dimensions, pixel
// types, per-channel intensity statistics, raw planes and plane selection.
package pixels

import "errors"

// Error kinds shared by the rendering pipeline. Callers wrap them together
// with the underlying cause, e.g. fmt.Errorf("%w: %w", ErrDataSource, err),
// so both the kind and the cause survive errors.Is.
var (
	// ErrConfiguration reports invalid quantization or settings parameters.
	ErrConfiguration = errors.New("invalid rendering configuration")

	// ErrMetadataLoad reports that image metadata could not be loaded.
	ErrMetadataLoad = errors.New("metadata load failed")

	// ErrDataSource reports a raw plane read failure.
	ErrDataSource = errors.New("pixel data read failed")

	// ErrQuantization reports a missing or unusable channel mapping at render time.
	ErrQuantization = errors.New("quantization failed")

	// ErrUnexpectedTask reports a render task failure of any other kind.
	ErrUnexpectedTask = errors.New("unexpected render task failure")

	// ErrInterrupted reports that waiting for a render result was interrupted.
	ErrInterrupted = errors.New("interrupted while waiting for render result")
)
