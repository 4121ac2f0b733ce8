package psf

import (
	"fmt"
	"math"

	"mosaicstack/internal/mosaic"
)

// Matcher convolves an image so its PSF approaches the target double
// Gaussian. Each component's sigma is reduced in quadrature by the frame's
// own seeing; an undefined seeing applies the full kernel.
type Matcher struct{}

// Match returns a new image; img is not modified.
func (Matcher) Match(img *mosaic.Image, seeing mosaic.SeeingEstimate, k mosaic.PsfMatchKernel) (*mosaic.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if k.Family != mosaic.KernelFamilyDoubleGaussian {
		return nil, fmt.Errorf("unsupported kernel family %q", k.Family)
	}
	if k.Width <= 0 || k.Height <= 0 || k.Sigma1 <= 0 || k.Sigma2 <= 0 {
		return nil, fmt.Errorf("invalid kernel %+v", k)
	}

	s1 := residualSigma(k.Sigma1, seeing)
	s2 := residualSigma(k.Sigma2, seeing)

	// Component fractions follow the integrals of the two peak-normalized
	// Gaussians.
	w1 := k.Sigma1 * k.Sigma1
	w2 := k.PeakRatio * k.Sigma2 * k.Sigma2
	f1 := w1 / (w1 + w2)
	f2 := w2 / (w1 + w2)

	hx, hy := k.Width/2, k.Height/2
	a := convolveSeparable(img, gaussian1D(s1, hx), gaussian1D(s1, hy))
	b := convolveSeparable(img, gaussian1D(s2, hx), gaussian1D(s2, hy))

	out := img.Clone()
	for i := range out.Pix {
		va, vb := a[i], b[i]
		if math.IsNaN(va) || math.IsNaN(vb) {
			out.Pix[i] = float32(math.NaN())
			continue
		}
		out.Pix[i] = float32(f1*va + f2*vb)
	}
	return out, nil
}

func residualSigma(target float64, seeing mosaic.SeeingEstimate) float64 {
	if !seeing.Defined() {
		return target
	}
	s := float64(seeing)
	if s >= target {
		return 0
	}
	return math.Sqrt(target*target - s*s)
}

// gaussian1D returns normalized taps for offsets -half..half. A zero sigma
// yields the identity.
func gaussian1D(sigma float64, half int) []float64 {
	taps := make([]float64, 2*half+1)
	if sigma <= 0 {
		taps[half] = 1
		return taps
	}
	var sum float64
	for i := range taps {
		d := float64(i - half)
		taps[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

// convolveSeparable applies kx along rows then ky along columns. Missing
// pixels are skipped and the remaining weights renormalized.
func convolveSeparable(img *mosaic.Image, kx, ky []float64) []float64 {
	w, h := img.Width, img.Height
	tmp := make([]float64, w*h)
	hx := len(kx) / 2
	for y := 0; y < h; y++ {
		row := img.Pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			if math.IsNaN(float64(row[x])) {
				tmp[y*w+x] = math.NaN()
				continue
			}
			var acc, wt float64
			for i, k := range kx {
				xx := x + i - hx
				if xx < 0 || xx >= w {
					continue
				}
				v := float64(row[xx])
				if math.IsNaN(v) {
					continue
				}
				acc += k * v
				wt += k
			}
			tmp[y*w+x] = acc / wt
		}
	}

	out := make([]float64, w*h)
	hy := len(ky) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if math.IsNaN(tmp[y*w+x]) {
				out[y*w+x] = math.NaN()
				continue
			}
			var acc, wt float64
			for i, k := range ky {
				yy := y + i - hy
				if yy < 0 || yy >= h {
					continue
				}
				v := tmp[yy*w+x]
				if math.IsNaN(v) {
					continue
				}
				acc += k * v
				wt += k
			}
			out[y*w+x] = acc / wt
		}
	}
	return out
}
