package mosaic

import (
	"fmt"

	"mosaicstack/internal/geom"
)

// FrameID identifies one visit/CCD pairing.
type FrameID string

// NewFrameID formats the canonical identifier for a visit and CCD.
func NewFrameID(visit, ccd int) FrameID {
	return FrameID(fmt.Sprintf("%07d-%03d", visit, ccd))
}

// Frame is one calibrated input exposure. It is immutable once loaded and is
// always passed by value.
type Frame struct {
	ID         FrameID  `json:"id"`
	Path       string   `json:"path"`
	Instrument string   `json:"instrument"`
	Visit      int      `json:"visit"`
	CCD        int      `json:"ccd"`
	WCS        geom.WCS `json:"wcs"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	FluxScale  float64  `json:"flux_scale"`
}

// Geometry returns the fields the grid builder needs.
func (f Frame) Geometry() geom.FrameGeometry {
	return geom.FrameGeometry{WCS: f.WCS, Width: f.Width, Height: f.Height, FluxScale: f.FluxScale}
}

// Footprinter computes a frame's bounding box in mosaic pixel space.
type Footprinter interface {
	Footprint(f Frame) (geom.Box, error)
}

// FootprintFunc adapts a function to Footprinter.
type FootprintFunc func(f Frame) (geom.Box, error)

func (fn FootprintFunc) Footprint(f Frame) (geom.Box, error) { return fn(f) }

// LinearFootprinter projects frame corners through the linear WCS model.
type LinearFootprinter struct {
	Mosaic geom.WCS
}

func (l LinearFootprinter) Footprint(f Frame) (geom.Box, error) {
	return geom.FootprintIn(f.WCS, l.Mosaic, f.Width, f.Height)
}
