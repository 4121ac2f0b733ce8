package mosaic

import (
	"fmt"

	"mosaicstack/internal/geom"
)

// TileCoord indexes one tile of the output grid.
type TileCoord struct {
	IX int `json:"ix"`
	IY int `json:"iy"`
}

func (c TileCoord) String() string { return fmt.Sprintf("(%d,%d)", c.IX, c.IY) }

// Key is the ledger key for the coordinate.
func (c TileCoord) Key() string { return fmt.Sprintf("%d-%d", c.IX, c.IY) }

// Grid partitions a Width x Height mosaic into TileSize square tiles, each
// padded by Margin pixels of overlap with its neighbours.
type Grid struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	TileSize int `json:"tile_size"`
	Margin   int `json:"margin"`
	NX       int `json:"nx"`
	NY       int `json:"ny"`
}

// Plan validates the tiling parameters and computes the tile counts.
func Plan(totalWidth, totalHeight, tileSize, margin int) (Grid, error) {
	switch {
	case tileSize <= 0:
		return Grid{}, ConfigErrorf("tile_size", "must be positive, got %d", tileSize)
	case margin < 0:
		return Grid{}, ConfigErrorf("margin", "must not be negative, got %d", margin)
	case margin >= tileSize:
		return Grid{}, ConfigErrorf("margin", "must be smaller than tile size %d, got %d", tileSize, margin)
	case totalWidth <= 0 || totalHeight <= 0:
		return Grid{}, ConfigErrorf("extent", "must be positive, got %dx%d", totalWidth, totalHeight)
	}
	return Grid{
		Width:    totalWidth,
		Height:   totalHeight,
		TileSize: tileSize,
		Margin:   margin,
		NX:       ceilDiv(totalWidth, tileSize),
		NY:       ceilDiv(totalHeight, tileSize),
	}, nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Count is the number of tiles in the grid.
func (g Grid) Count() int { return g.NX * g.NY }

// Contains reports whether c addresses a tile of the grid.
func (g Grid) Contains(c TileCoord) bool {
	return c.IX >= 0 && c.IY >= 0 && c.IX < g.NX && c.IY < g.NY
}

// Extent is the full mosaic rectangle.
func (g Grid) Extent() geom.Box { return geom.Box{X1: g.Width, Y1: g.Height} }

// Bounds is the tile rectangle including its margin, clipped to the extent.
func (g Grid) Bounds(c TileCoord) geom.Box {
	b := geom.Box{
		X0: c.IX*g.TileSize - g.Margin,
		Y0: c.IY*g.TileSize - g.Margin,
		X1: (c.IX+1)*g.TileSize + g.Margin,
		Y1: (c.IY+1)*g.TileSize + g.Margin,
	}
	return b.Intersect(g.Extent())
}

// Core is the tile rectangle without margin, clipped to the extent. Cores of
// distinct tiles never overlap and together cover the extent.
func (g Grid) Core(c TileCoord) geom.Box {
	b := geom.Box{
		X0: c.IX * g.TileSize,
		Y0: c.IY * g.TileSize,
		X1: (c.IX + 1) * g.TileSize,
		Y1: (c.IY + 1) * g.TileSize,
	}
	return b.Intersect(g.Extent())
}

// Coords lists every coordinate, iy outer and ix inner.
func (g Grid) Coords() []TileCoord {
	out := make([]TileCoord, 0, g.Count())
	for iy := 0; iy < g.NY; iy++ {
		for ix := 0; ix < g.NX; ix++ {
			out = append(out, TileCoord{IX: ix, IY: iy})
		}
	}
	return out
}
