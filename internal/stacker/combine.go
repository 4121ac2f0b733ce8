package stacker

import (
	"fmt"
	"math"

	"mosaicstack/internal/mosaic"
)

// Layer is one warped frame ready for combination.
type Layer struct {
	Image     *mosaic.Image
	FluxScale float64
}

// Combiner merges aligned layers of identical size into one image.
type Combiner interface {
	Combine(layers []Layer) (*mosaic.Image, int64, error)
}

// SigmaClipMean scales each layer to the common zero point, rejects values
// outside Low/High standard deviations of the running mean for up to
// Iterations rounds, and averages what is left.
type SigmaClipMean struct {
	Low        float64
	High       float64
	Iterations int
}

// Combine returns the combined image and the number of rejected values.
func (c SigmaClipMean) Combine(layers []Layer) (*mosaic.Image, int64, error) {
	if len(layers) == 0 {
		return nil, 0, fmt.Errorf("no layers to combine")
	}
	w, h := layers[0].Image.Width, layers[0].Image.Height
	for i, l := range layers {
		if l.Image.Width != w || l.Image.Height != h {
			return nil, 0, fmt.Errorf("layer %d is %dx%d, want %dx%d", i, l.Image.Width, l.Image.Height, w, h)
		}
	}

	out := mosaic.NewImage(w, h)
	values := make([]float64, 0, len(layers))
	var rejected int64
	for p := 0; p < w*h; p++ {
		values = values[:0]
		for _, l := range layers {
			v := float64(l.Image.Pix[p])
			if math.IsNaN(v) {
				continue
			}
			scale := l.FluxScale
			if scale <= 0 {
				scale = 1
			}
			values = append(values, v*scale)
		}
		if len(values) == 0 {
			continue
		}
		v, r := iterativeSigmaClip(values, c.Low, c.High, c.Iterations)
		out.Pix[p] = float32(v)
		rejected += int64(r)
	}
	return out, rejected, nil
}

func iterativeSigmaClip(values []float64, sigmaLow, sigmaHigh float64, maxIterations int) (float64, int) {
	if len(values) == 1 {
		return values[0], 0
	}
	active := make([]float64, len(values))
	copy(active, values)
	total := 0

	for iteration := 0; iteration < maxIterations; iteration++ {
		if len(active) <= 2 {
			break
		}
		mean := calculateMean(active)
		stddev := calculateStdDev(active, mean)
		if stddev == 0 {
			break
		}
		lo := mean - sigmaLow*stddev
		hi := mean + sigmaHigh*stddev

		var kept []float64
		for _, v := range active {
			if v >= lo && v <= hi {
				kept = append(kept, v)
			}
		}
		rejected := len(active) - len(kept)
		if rejected == 0 {
			break
		}
		if len(kept) == 0 {
			break
		}
		active = kept
		total += rejected
	}
	return calculateMean(active), total
}

func calculateMean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func calculateStdDev(values []float64, mean float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}
