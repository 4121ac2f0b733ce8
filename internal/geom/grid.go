package geom

import (
	"errors"
	"fmt"
	"math"
)

// FrameGeometry is the subset of frame metadata BuildGrid needs.
type FrameGeometry struct {
	WCS       WCS
	Width     int
	Height    int
	FluxScale float64
}

// GridOptions overrides the derived destination WCS.
type GridOptions struct {
	// DestWCS replaces the derived transform when non-nil. The extent is
	// still computed from the frames.
	DestWCS *WCS
	// PixelScale in arcseconds replaces the derived pixel scale when > 0.
	PixelScale float64
}

// Grid is the unified mosaic geometry.
type Grid struct {
	WCS       WCS       `json:"wcs"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	FluxScale []float64 `json:"flux_scale"`
}

var ErrNoFrames = errors.New("no frames to grid")

// BuildGrid derives a common destination WCS covering every frame, the
// combined pixel extent and each frame's flux scale relative to the first
// frame's zero point.
func BuildGrid(frames []FrameGeometry, opts GridOptions) (Grid, error) {
	if len(frames) == 0 {
		return Grid{}, ErrNoFrames
	}
	for i, f := range frames {
		if !f.WCS.Valid() {
			return Grid{}, fmt.Errorf("frame %d: %w", i, ErrSingularWCS)
		}
	}

	dest := frames[0].WCS
	if opts.DestWCS != nil {
		dest = *opts.DestWCS
	}
	if opts.PixelScale > 0 {
		cur := dest.PixelScale()
		want := opts.PixelScale / 3600.0
		if cur > 0 {
			f := want / cur
			for i := range dest.CD {
				for j := range dest.CD[i] {
					dest.CD[i][j] *= f
				}
			}
		}
	}
	if !dest.Valid() {
		return Grid{}, fmt.Errorf("destination: %w", ErrSingularWCS)
	}

	var bounds Box
	for i, f := range frames {
		fp, err := FootprintIn(f.WCS, dest, f.Width, f.Height)
		if err != nil {
			return Grid{}, fmt.Errorf("frame %d footprint: %w", i, err)
		}
		bounds = bounds.Union(fp)
	}
	dest = dest.Shift(bounds.X0, bounds.Y0)

	ref := frames[0].FluxScale
	if ref <= 0 || math.IsNaN(ref) {
		ref = 1
	}
	scales := make([]float64, len(frames))
	for i, f := range frames {
		s := f.FluxScale
		if s <= 0 || math.IsNaN(s) {
			s = ref
		}
		scales[i] = ref / s
	}

	return Grid{
		WCS:       dest,
		Width:     bounds.Width(),
		Height:    bounds.Height(),
		FluxScale: scales,
	}, nil
}
