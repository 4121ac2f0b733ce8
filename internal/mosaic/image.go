package mosaic

import (
	"encoding/json"
	"fmt"
	"math"

	"mosaicstack/internal/geom"
)

// ImageInfo is the header carried next to the pixels in every persisted
// frame, tile and mosaic.
type ImageInfo struct {
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	WCS       geom.WCS          `json:"wcs"`
	FluxScale float64           `json:"flux_scale"`
	X0        int               `json:"x0"`
	Y0        int               `json:"y0"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Box is the image rectangle in the parent (mosaic) pixel frame.
func (i ImageInfo) Box() geom.Box {
	return geom.Box{X0: i.X0, Y0: i.Y0, X1: i.X0 + i.Width, Y1: i.Y0 + i.Height}
}

// Image is a single-plane float image. NaN marks pixels without data.
type Image struct {
	ImageInfo
	Pix []float32
}

// NewImage allocates a width x height image filled with NaN.
func NewImage(width, height int) *Image {
	img := &Image{
		ImageInfo: ImageInfo{Width: width, Height: height, FluxScale: 1},
		Pix:       make([]float32, width*height),
	}
	nan := float32(math.NaN())
	for i := range img.Pix {
		img.Pix[i] = nan
	}
	return img
}

func (im *Image) At(x, y int) float32 { return im.Pix[y*im.Width+x] }

func (im *Image) Set(x, y int, v float32) { im.Pix[y*im.Width+x] = v }

// Validate checks the pixel buffer matches the header.
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("nil image")
	}
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", im.Width, im.Height)
	}
	if len(im.Pix) != im.Width*im.Height {
		return fmt.Errorf("pixel buffer has %d values, want %d", len(im.Pix), im.Width*im.Height)
	}
	return nil
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{ImageInfo: im.ImageInfo, Pix: append([]float32(nil), im.Pix...)}
	if im.Labels != nil {
		out.Labels = make(map[string]string, len(im.Labels))
		for k, v := range im.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// Covered counts pixels holding data.
func (im *Image) Covered() int {
	n := 0
	for _, v := range im.Pix {
		if !math.IsNaN(float64(v)) {
			n++
		}
	}
	return n
}

// Tile is the stacked output for one grid coordinate. Its image spans
// Bounds (core plus margin) in mosaic pixels.
type Tile struct {
	Coord  TileCoord
	Bounds geom.Box
	Image  *Image
}

// Label keys written into tile headers.
const (
	LabelKind    = "kind"
	LabelStackID = "stack_id"
	LabelTileIX  = "ix"
	LabelTileIY  = "iy"
	LabelFrames  = "frames"
	LabelKernel  = "psf_kernel"
)

// ImageCodec reads and writes the tagged image container used for frames,
// tiles and the final mosaic.
type ImageCodec interface {
	Write(path string, img *Image) error
	Read(path string) (*Image, error)
	ReadInfo(path string) (ImageInfo, error)
}

// headerVersion tags the JSON header so older files can be told apart.
const headerVersion = 1

type header struct {
	Version int `json:"version"`
	ImageInfo
}

// EncodeHeader renders the metadata stored alongside pixels.
func EncodeHeader(info ImageInfo) (string, error) {
	b, err := json.Marshal(header{Version: headerVersion, ImageInfo: info})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeHeader parses EncodeHeader output. An empty string yields a zero
// header with unit flux scale, for foreign files.
func DecodeHeader(s string) (ImageInfo, error) {
	if s == "" {
		return ImageInfo{FluxScale: 1}, nil
	}
	var h header
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return ImageInfo{}, fmt.Errorf("decode image header: %w", err)
	}
	if h.Version > headerVersion {
		return ImageInfo{}, fmt.Errorf("image header version %d not supported", h.Version)
	}
	if h.FluxScale == 0 {
		h.FluxScale = 1
	}
	return h.ImageInfo, nil
}
