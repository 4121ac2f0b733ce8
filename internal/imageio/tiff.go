// Package imageio stores single-plane float images as 32-bit floating point
// TIFF through ImageMagick. The mosaic header travels as JSON in the TIFF
// image description.
package imageio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/gographics/imagick.v3/imagick"

	"mosaicstack/internal/mosaic"
)

const headerProperty = "comment"

var (
	initOnce    sync.Once
	initialized atomic.Bool
)

// TIFFCodec implements mosaic.ImageCodec.
type TIFFCodec struct{}

// NewTIFFCodec initializes ImageMagick on first use.
func NewTIFFCodec() *TIFFCodec {
	initOnce.Do(func() {
		imagick.Initialize()
		initialized.Store(true)
	})
	return &TIFFCodec{}
}

// Terminate releases ImageMagick if it was initialized. Call once at
// process exit.
func Terminate() {
	if initialized.Load() {
		imagick.Terminate()
	}
}

func (c *TIFFCodec) Write(path string, img *mosaic.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.SetOption("quantum:format", "floating-point"); err != nil {
		return fmt.Errorf("set float quantum: %w", err)
	}
	if err := mw.ConstituteImage(uint(img.Width), uint(img.Height), "I", imagick.PIXEL_FLOAT, img.Pix); err != nil {
		return fmt.Errorf("constitute image: %w", err)
	}
	if err := mw.SetImageDepth(32); err != nil {
		return fmt.Errorf("set depth: %w", err)
	}
	if err := mw.SetImageFormat("TIFF"); err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	hdr, err := mosaic.EncodeHeader(img.ImageInfo)
	if err != nil {
		return err
	}
	if err := mw.SetImageProperty(headerProperty, hdr); err != nil {
		return fmt.Errorf("set header: %w", err)
	}
	// The explicit prefix keeps temporary names without a .tif suffix in TIFF.
	if err := mw.WriteImage("TIFF:" + path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (c *TIFFCodec) Read(path string) (*mosaic.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	info, err := mosaic.DecodeHeader(mw.GetImageProperty(headerProperty))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	w, h := int(mw.GetImageWidth()), int(mw.GetImageHeight())
	info.Width, info.Height = w, h

	raw, err := mw.ExportImagePixels(0, 0, uint(w), uint(h), "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("export pixels %s: %w", path, err)
	}
	img := &mosaic.Image{ImageInfo: info}
	switch px := raw.(type) {
	case []float32:
		img.Pix = px
	case []float64:
		img.Pix = make([]float32, len(px))
		for i, v := range px {
			img.Pix[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unexpected pixel type %T in %s", raw, path)
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ReadInfo returns the header without decoding pixels.
func (c *TIFFCodec) ReadInfo(path string) (mosaic.ImageInfo, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return mosaic.ImageInfo{}, fmt.Errorf("ping %s: %w", path, err)
	}
	info, err := mosaic.DecodeHeader(mw.GetImageProperty(headerProperty))
	if err != nil {
		return mosaic.ImageInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	info.Width, info.Height = int(mw.GetImageWidth()), int(mw.GetImageHeight())
	return info, nil
}
