package stacker

import (
	"fmt"
	"math"

	"mosaicstack/internal/geom"
	"mosaicstack/internal/mosaic"
)

// Resampler warps a frame's pixels onto a rectangle of the mosaic grid.
type Resampler interface {
	Resample(src *mosaic.Image, srcWCS, mosaicWCS geom.WCS, bounds geom.Box) (*mosaic.Image, error)
}

// Bilinear maps every destination pixel back into the source frame and
// interpolates between its four neighbours. Destination pixels whose
// neighbourhood leaves the frame or touches a missing pixel stay NaN.
type Bilinear struct{}

func (Bilinear) Resample(src *mosaic.Image, srcWCS, mosaicWCS geom.WCS, bounds geom.Box) (*mosaic.Image, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if bounds.Empty() {
		return nil, fmt.Errorf("empty destination %s", bounds)
	}
	out := mosaic.NewImage(bounds.Width(), bounds.Height())
	out.X0, out.Y0 = bounds.X0, bounds.Y0
	out.WCS = mosaicWCS.Shift(bounds.X0, bounds.Y0)
	out.FluxScale = src.FluxScale

	for j := 0; j < out.Height; j++ {
		for i := 0; i < out.Width; i++ {
			sx, sy, err := geom.Transform(mosaicWCS, srcWCS, float64(bounds.X0+i), float64(bounds.Y0+j))
			if err != nil {
				return nil, err
			}
			if v, ok := bilinearAt(src, sx, sy); ok {
				out.Set(i, j, v)
			}
		}
	}
	return out, nil
}

func bilinearAt(img *mosaic.Image, x, y float64) (float32, bool) {
	if x < 0 || y < 0 || x > float64(img.Width-1) || y > float64(img.Height-1) {
		return 0, false
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := x0+1, y0+1
	if x1 >= img.Width {
		x1 = x0
	}
	if y1 >= img.Height {
		y1 = y0
	}
	fx, fy := x-float64(x0), y-float64(y0)

	v00 := float64(img.At(x0, y0))
	v10 := float64(img.At(x1, y0))
	v01 := float64(img.At(x0, y1))
	v11 := float64(img.At(x1, y1))
	if math.IsNaN(v00) || math.IsNaN(v10) || math.IsNaN(v01) || math.IsNaN(v11) {
		return 0, false
	}
	v := v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
	return float32(v), true
}
