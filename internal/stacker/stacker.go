// Package stacker produces one output tile: it warps every overlapping frame
// onto the tile rectangle, optionally matches PSFs, combines the layers and
// hands the tile to a sink.
package stacker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"mosaicstack/internal/geom"
	"mosaicstack/internal/mosaic"
)

// Input is one frame contributing to a tile, with its measured seeing.
type Input struct {
	Frame  mosaic.Frame
	Seeing mosaic.SeeingEstimate
}

// Request describes a single tile. It carries everything Execute needs so
// no shared state is read while stacking.
type Request struct {
	StackID   string
	Coord     mosaic.TileCoord
	Bounds    geom.Box
	MosaicWCS geom.WCS
	Inputs    []Input
	// Kernel is nil when PSF matching is off or no seeing was defined.
	Kernel *mosaic.PsfMatchKernel
}

// PsfMatcher degrades an image to the target kernel.
type PsfMatcher interface {
	Match(img *mosaic.Image, seeing mosaic.SeeingEstimate, k mosaic.PsfMatchKernel) (*mosaic.Image, error)
}

// Result summarizes a stacked tile.
type Result struct {
	Coord    mosaic.TileCoord
	Frames   int
	Skipped  []mosaic.FrameID
	Rejected int64
	Covered  int
}

// Stacker executes tile requests.
type Stacker struct {
	codec     mosaic.ImageCodec
	resampler Resampler
	combiner  Combiner
	matcher   PsfMatcher
	log       *slog.Logger
}

// Option customizes a Stacker.
type Option func(*Stacker)

func WithResampler(r Resampler) Option { return func(s *Stacker) { s.resampler = r } }

func WithCombiner(c Combiner) Option { return func(s *Stacker) { s.combiner = c } }

func WithMatcher(m PsfMatcher) Option { return func(s *Stacker) { s.matcher = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Stacker) { s.log = l } }

// New builds a Stacker reading frames through codec. The defaults are
// bilinear resampling and a 3-sigma, 3-iteration clipped mean.
func New(codec mosaic.ImageCodec, opts ...Option) *Stacker {
	s := &Stacker{
		codec:     codec,
		resampler: Bilinear{},
		combiner:  SigmaClipMean{Low: 3, High: 3, Iterations: 3},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute stacks one tile and puts it to sink. Frames are processed in ID
// order into freshly allocated buffers, so repeating a request produces an
// identical tile. A frame whose pixels cannot be read is skipped; a tile
// whose frames are all unreadable fails. A tile with no frames is blank.
// Nothing is put once ctx is done.
func (s *Stacker) Execute(ctx context.Context, req Request, sink mosaic.TileSink) (Result, error) {
	res := Result{Coord: req.Coord}
	if req.Bounds.Empty() {
		return res, fmt.Errorf("tile %s: empty bounds", req.Coord)
	}
	if req.Kernel != nil && s.matcher == nil {
		return res, fmt.Errorf("tile %s: psf kernel given but no matcher configured", req.Coord)
	}

	inputs := append([]Input(nil), req.Inputs...)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Frame.ID < inputs[j].Frame.ID })

	layers := make([]Layer, 0, len(inputs))
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		layer, err := s.prepare(req, in)
		if err != nil {
			s.log.Warn("skipping frame", "tile", req.Coord.String(), "frame", string(in.Frame.ID), "error", err)
			res.Skipped = append(res.Skipped, in.Frame.ID)
			continue
		}
		layers = append(layers, layer)
		ids = append(ids, string(in.Frame.ID))
	}
	var (
		img      *mosaic.Image
		rejected int64
		err      error
	)
	switch {
	case len(inputs) == 0:
		// Inside the mosaic extent but outside every footprint.
		img = mosaic.NewImage(req.Bounds.Width(), req.Bounds.Height())
	case len(layers) == 0:
		return res, fmt.Errorf("tile %s: no usable frames out of %d", req.Coord, len(inputs))
	default:
		img, rejected, err = s.combiner.Combine(layers)
		if err != nil {
			return res, fmt.Errorf("tile %s: combine: %w", req.Coord, err)
		}
	}
	img.X0, img.Y0 = req.Bounds.X0, req.Bounds.Y0
	img.WCS = req.MosaicWCS.Shift(req.Bounds.X0, req.Bounds.Y0)
	img.FluxScale = 1
	img.Labels = map[string]string{
		mosaic.LabelStackID: req.StackID,
		mosaic.LabelTileIX:  strconv.Itoa(req.Coord.IX),
		mosaic.LabelTileIY:  strconv.Itoa(req.Coord.IY),
	}
	if b, err := json.Marshal(ids); err == nil {
		img.Labels[mosaic.LabelFrames] = string(b)
	}
	if req.Kernel != nil {
		if b, err := json.Marshal(req.Kernel); err == nil {
			img.Labels[mosaic.LabelKernel] = string(b)
		}
	}

	// A unit abandoned after a timeout must not publish its tile.
	if err := ctx.Err(); err != nil {
		return res, err
	}
	tile := &mosaic.Tile{Coord: req.Coord, Bounds: req.Bounds, Image: img}
	if err := sink.Put(ctx, tile); err != nil {
		return res, fmt.Errorf("tile %s: %w", req.Coord, err)
	}
	res.Frames = len(layers)
	res.Rejected = rejected
	res.Covered = img.Covered()
	return res, nil
}

func (s *Stacker) prepare(req Request, in Input) (Layer, error) {
	src, err := s.codec.Read(in.Frame.Path)
	if err != nil {
		return Layer{}, err
	}
	warped, err := s.resampler.Resample(src, in.Frame.WCS, req.MosaicWCS, req.Bounds)
	if err != nil {
		return Layer{}, fmt.Errorf("resample: %w", err)
	}
	if req.Kernel != nil {
		warped, err = s.matcher.Match(warped, in.Seeing, *req.Kernel)
		if err != nil {
			return Layer{}, fmt.Errorf("psf match: %w", err)
		}
	}
	return Layer{Image: warped, FluxScale: in.Frame.FluxScale}, nil
}
