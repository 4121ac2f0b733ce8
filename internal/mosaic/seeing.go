package mosaic

import (
	"context"
	"errors"
	"math"

	"mosaicstack/internal/geom"
)

// SeeingEstimate is a Gaussian PSF sigma in mosaic pixels.
type SeeingEstimate float64

// SeeingUndefined marks a frame whose seeing could not be measured.
const SeeingUndefined SeeingEstimate = -1

// Defined reports whether s holds a usable measurement.
func (s SeeingEstimate) Defined() bool {
	v := float64(s)
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SeeingMeasurer measures the PSF width of a frame once warped onto the
// mosaic WCS. Transient failures are reported as *MeasurementError.
type SeeingMeasurer interface {
	MeasureWarpedPsf(ctx context.Context, f Frame, mosaic geom.WCS) (float64, error)
}

// MeasureOne measures one frame. A *MeasurementError becomes SeeingUndefined
// with a nil error so a single bad frame cannot abort the round; any other
// error is returned to the caller.
func MeasureOne(ctx context.Context, m SeeingMeasurer, f Frame, mosaic geom.WCS) (SeeingEstimate, error) {
	sigma, err := m.MeasureWarpedPsf(ctx, f, mosaic)
	if err != nil {
		var me *MeasurementError
		if errors.As(err, &me) {
			return SeeingUndefined, nil
		}
		return SeeingUndefined, err
	}
	est := SeeingEstimate(sigma)
	if !est.Defined() {
		return SeeingUndefined, nil
	}
	return est, nil
}

const (
	KernelFamilyDoubleGaussian = "DoubleGaussian"
	DefaultPeakRatio           = 0.1
)

// PsfMatchKernel describes the double-Gaussian target every frame is
// degraded to before combination.
type PsfMatchKernel struct {
	Family    string  `json:"family"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Sigma1    float64 `json:"sigma1"`
	Sigma2    float64 `json:"sigma2"`
	PeakRatio float64 `json:"peak_ratio"`
}

// Aggregate reduces per-frame estimates to the shared kernel. The worst
// (largest) seeing wins: matching may only blur. It reports false when no
// estimate is defined, meaning stacking proceeds without PSF matching.
func Aggregate(estimates []SeeingEstimate) (PsfMatchKernel, bool) {
	worst := math.Inf(-1)
	for _, e := range estimates {
		if e.Defined() && float64(e) > worst {
			worst = float64(e)
		}
	}
	if math.IsInf(worst, -1) {
		return PsfMatchKernel{}, false
	}
	sigma1 := worst
	sigma2 := 2.0 * sigma1
	kwid := int(math.Floor(4.0*sigma2)) + 1
	return PsfMatchKernel{
		Family:    KernelFamilyDoubleGaussian,
		Width:     kwid,
		Height:    kwid,
		Sigma1:    sigma1,
		Sigma2:    sigma2,
		PeakRatio: DefaultPeakRatio,
	}, true
}
