// Package psf measures per-frame seeing and degrades images to a common
// double-Gaussian PSF.
package psf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"mosaicstack/internal/geom"
	"mosaicstack/internal/mosaic"
)

var errNoSources = errors.New("no usable point sources")

// Measurer estimates the PSF sigma of a frame from the second moments of
// its brightest isolated sources, expressed in mosaic pixels.
type Measurer struct {
	Codec mosaic.ImageCodec
	// Threshold is the detection level in robust sigmas above background.
	Threshold float64
	// Radius is the half-width of the moment window.
	Radius int
	// MaxSources bounds how many sources are measured.
	MaxSources int
}

// NewMeasurer returns a Measurer with default detection settings.
func NewMeasurer(codec mosaic.ImageCodec) *Measurer {
	return &Measurer{Codec: codec, Threshold: 8, Radius: 6, MaxSources: 25}
}

// MeasureWarpedPsf implements mosaic.SeeingMeasurer. Any problem with the
// frame's pixels is reported as *mosaic.MeasurementError.
func (m *Measurer) MeasureWarpedPsf(ctx context.Context, f mosaic.Frame, mosaicWCS geom.WCS) (float64, error) {
	if m == nil || m.Codec == nil {
		return 0, fmt.Errorf("psf measurer has no image codec")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	img, err := m.Codec.Read(f.Path)
	if err != nil {
		return 0, &mosaic.MeasurementError{Frame: f.ID, Err: err}
	}
	sigma, err := m.SigmaOf(img)
	if err != nil {
		return 0, &mosaic.MeasurementError{Frame: f.ID, Err: err}
	}
	src := f.WCS.PixelScale()
	dst := mosaicWCS.PixelScale()
	if src <= 0 || dst <= 0 {
		return 0, &mosaic.MeasurementError{Frame: f.ID, Err: geom.ErrSingularWCS}
	}
	return sigma * src / dst, nil
}

type peak struct {
	x, y int
	v    float64
}

// SigmaOf returns the median second-moment sigma of the brightest isolated
// sources in img, in img's own pixels.
func (m *Measurer) SigmaOf(img *mosaic.Image) (float64, error) {
	if err := img.Validate(); err != nil {
		return 0, err
	}
	bg, noise := background(img.Pix)
	if math.IsNaN(bg) || noise <= 0 {
		return 0, errNoSources
	}
	r := m.Radius
	if r < 2 {
		r = 2
	}
	level := bg + m.Threshold*noise

	var peaks []peak
	for y := r; y < img.Height-r; y++ {
		for x := r; x < img.Width-r; x++ {
			v := float64(img.At(x, y))
			if math.IsNaN(v) || v < level {
				continue
			}
			if isIsolatedMax(img, x, y, r) {
				peaks = append(peaks, peak{x, y, v})
			}
		}
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].v > peaks[j].v })
	if m.MaxSources > 0 && len(peaks) > m.MaxSources {
		peaks = peaks[:m.MaxSources]
	}

	var sigmas []float64
	for _, p := range peaks {
		if s, ok := moments(img, p, r, bg); ok {
			sigmas = append(sigmas, s)
		}
	}
	if len(sigmas) == 0 {
		return 0, errNoSources
	}
	sort.Float64s(sigmas)
	return median(sigmas), nil
}

// isIsolatedMax reports whether (x,y) is the strict maximum of its window
// and the window contains no missing pixels.
func isIsolatedMax(img *mosaic.Image, x, y, r int) bool {
	v := img.At(x, y)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			o := img.At(x+dx, y+dy)
			if math.IsNaN(float64(o)) || o >= v {
				return false
			}
		}
	}
	return true
}

func moments(img *mosaic.Image, p peak, r int, bg float64) (float64, bool) {
	var sum, sx, sy float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			w := float64(img.At(p.x+dx, p.y+dy)) - bg
			if w <= 0 {
				continue
			}
			sum += w
			sx += w * float64(dx)
			sy += w * float64(dy)
		}
	}
	if sum <= 0 {
		return 0, false
	}
	cx, cy := sx/sum, sy/sum
	var ixx, iyy float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			w := float64(img.At(p.x+dx, p.y+dy)) - bg
			if w <= 0 {
				continue
			}
			ddx, ddy := float64(dx)-cx, float64(dy)-cy
			ixx += w * ddx * ddx
			iyy += w * ddy * ddy
		}
	}
	s := math.Sqrt((ixx + iyy) / (2 * sum))
	if s <= 0 || math.IsNaN(s) {
		return 0, false
	}
	return s, true
}

// background returns the median and a MAD-based noise estimate of the
// finite pixels.
func background(pix []float32) (float64, float64) {
	vals := make([]float64, 0, len(pix))
	for _, v := range pix {
		if !math.IsNaN(float64(v)) {
			vals = append(vals, float64(v))
		}
	}
	if len(vals) == 0 {
		return math.NaN(), 0
	}
	sort.Float64s(vals)
	med := median(vals)
	dev := make([]float64, len(vals))
	for i, v := range vals {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	noise := 1.4826 * median(dev)
	if noise == 0 {
		// Flat sky with a few sources: fall back to the standard deviation.
		var ss float64
		for _, v := range vals {
			ss += (v - med) * (v - med)
		}
		noise = math.Sqrt(ss / float64(len(vals)))
	}
	return med, noise
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
