package mosaic

import (
	"context"
	"fmt"

	"mosaicstack/internal/geom"
)

// Assemble places the core region of every tile at its grid offset. The
// result spans exactly grid.Width x grid.Height. If any coordinate has no
// usable tile the call fails with *IncompleteMosaicError naming all of them;
// no partial mosaic is returned.
func Assemble(ctx context.Context, grid Grid, wcs geom.WCS, src TileSource) (*Image, error) {
	coords := grid.Coords()
	missing := &IncompleteMosaicError{Causes: make(map[TileCoord]error)}

	if h, ok := src.(interface{ Has(TileCoord) bool }); ok {
		for _, c := range coords {
			if !h.Has(c) {
				missing.Missing = append(missing.Missing, c)
				missing.Causes[c] = ErrTileNotFound
			}
		}
		if len(missing.Missing) > 0 {
			return nil, missing
		}
	}

	var out *Image
	for _, c := range coords {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := src.Load(ctx, c)
		if err == nil {
			err = checkTile(grid, c, t)
		}
		if err != nil {
			missing.Missing = append(missing.Missing, c)
			missing.Causes[c] = err
			continue
		}
		if len(missing.Missing) > 0 {
			continue
		}
		if out == nil {
			out = NewImage(grid.Width, grid.Height)
			out.WCS = wcs
			out.FluxScale = 1
		}
		placeCore(out, grid.Core(c), t)
	}
	if len(missing.Missing) > 0 {
		return nil, missing
	}
	return out, nil
}

func checkTile(grid Grid, c TileCoord, t *Tile) error {
	if t == nil || t.Image == nil {
		return fmt.Errorf("tile %s: empty result", c)
	}
	if err := t.Image.Validate(); err != nil {
		return fmt.Errorf("tile %s: %w", c, err)
	}
	if t.Bounds.Width() != t.Image.Width || t.Bounds.Height() != t.Image.Height {
		return fmt.Errorf("tile %s: bounds %s do not match %dx%d pixels", c, t.Bounds, t.Image.Width, t.Image.Height)
	}
	core := grid.Core(c)
	if core.Intersect(t.Bounds) != core {
		return fmt.Errorf("tile %s: bounds %s do not contain core %s", c, t.Bounds, core)
	}
	return nil
}

func placeCore(dst *Image, core geom.Box, t *Tile) {
	src := t.Image
	for y := core.Y0; y < core.Y1; y++ {
		sy := y - t.Bounds.Y0
		srcRow := src.Pix[sy*src.Width+(core.X0-t.Bounds.X0) : sy*src.Width+(core.X1-t.Bounds.X0)]
		copy(dst.Pix[y*dst.Width+core.X0:y*dst.Width+core.X1], srcRow)
	}
}
