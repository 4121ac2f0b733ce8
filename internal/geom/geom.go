// Package geom holds the pixel rectangles and the linear world-coordinate
// model shared by the tiling, selection and resampling code.
package geom

import (
	"errors"
	"fmt"
	"math"
)

// Box is a half-open pixel rectangle [X0,X1) x [Y0,Y1).
type Box struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

func (b Box) Width() int  { return b.X1 - b.X0 }
func (b Box) Height() int { return b.Y1 - b.Y0 }

// Empty reports whether the box covers no pixel.
func (b Box) Empty() bool { return b.X1 <= b.X0 || b.Y1 <= b.Y0 }

// Intersect returns the overlap of b and o, which may be empty.
func (b Box) Intersect(o Box) Box {
	r := Box{
		X0: max(b.X0, o.X0),
		Y0: max(b.Y0, o.Y0),
		X1: min(b.X1, o.X1),
		Y1: min(b.Y1, o.Y1),
	}
	if r.Empty() {
		return Box{}
	}
	return r
}

// Overlaps reports whether b and o share at least one pixel.
func (b Box) Overlaps(o Box) bool {
	return !b.Intersect(o).Empty()
}

// Union returns the smallest box containing both b and o. Empty boxes are ignored.
func (b Box) Union(o Box) Box {
	if b.Empty() {
		return o
	}
	if o.Empty() {
		return b
	}
	return Box{
		X0: min(b.X0, o.X0),
		Y0: min(b.Y0, o.Y0),
		X1: max(b.X1, o.X1),
		Y1: max(b.Y1, o.Y1),
	}
}

func (b Box) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", b.X0, b.X1, b.Y0, b.Y1)
}

// WCS is a linear tangent-plane transform: sky = CRVal + CD * (pixel - CRPix).
// Sky coordinates are in degrees; pixel coordinates are zero-based.
type WCS struct {
	CRPix [2]float64    `json:"crpix" toml:"crpix"`
	CRVal [2]float64    `json:"crval" toml:"crval"`
	CD    [2][2]float64 `json:"cd" toml:"cd"`
}

var ErrSingularWCS = errors.New("singular WCS matrix")

// PixelToSky maps a pixel position to sky coordinates.
func (w WCS) PixelToSky(x, y float64) (float64, float64) {
	dx, dy := x-w.CRPix[0], y-w.CRPix[1]
	return w.CRVal[0] + w.CD[0][0]*dx + w.CD[0][1]*dy,
		w.CRVal[1] + w.CD[1][0]*dx + w.CD[1][1]*dy
}

// SkyToPixel is the inverse of PixelToSky.
func (w WCS) SkyToPixel(ra, dec float64) (float64, float64, error) {
	det := w.det()
	if det == 0 {
		return 0, 0, ErrSingularWCS
	}
	da, dd := ra-w.CRVal[0], dec-w.CRVal[1]
	x := (w.CD[1][1]*da - w.CD[0][1]*dd) / det
	y := (-w.CD[1][0]*da + w.CD[0][0]*dd) / det
	return x + w.CRPix[0], y + w.CRPix[1], nil
}

func (w WCS) det() float64 {
	return w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0]
}

// PixelScale returns the mean pixel size in degrees.
func (w WCS) PixelScale() float64 {
	return math.Sqrt(math.Abs(w.det()))
}

// Valid reports whether the transform can be inverted.
func (w WCS) Valid() bool {
	d := w.det()
	return d != 0 && !math.IsNaN(d) && !math.IsInf(d, 0)
}

// Shift returns a copy whose pixel origin is moved by (dx, dy): pixel (0,0) of
// the result is pixel (dx,dy) of w.
func (w WCS) Shift(dx, dy int) WCS {
	out := w
	out.CRPix[0] -= float64(dx)
	out.CRPix[1] -= float64(dy)
	return out
}

// Transform maps a pixel of src into the pixel frame of dst.
func Transform(src, dst WCS, x, y float64) (float64, float64, error) {
	ra, dec := src.PixelToSky(x, y)
	return dst.SkyToPixel(ra, dec)
}

// FootprintIn returns the bounding box, in dst pixels, of a width x height
// image described by src.
func FootprintIn(src, dst WCS, width, height int) (Box, error) {
	if width <= 0 || height <= 0 {
		return Box{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	corners := [4][2]float64{
		{0, 0},
		{float64(width), 0},
		{0, float64(height)},
		{float64(width), float64(height)},
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x, y, err := Transform(src, dst, c[0], c[1])
		if err != nil {
			return Box{}, err
		}
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return Box{
		X0: int(math.Floor(minX + snapTolerance)),
		Y0: int(math.Floor(minY + snapTolerance)),
		X1: int(math.Ceil(maxX - snapTolerance)),
		Y1: int(math.Ceil(maxY - snapTolerance)),
	}, nil
}

// snapTolerance absorbs round-off when corners land on integer pixels.
const snapTolerance = 1e-6
