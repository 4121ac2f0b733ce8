package mosaic

import (
	"mosaicstack/internal/geom"
)

// FrameRejection records a frame dropped during selection.
type FrameRejection struct {
	Frame  FrameID `json:"frame"`
	Reason string  `json:"reason"`
}

// Selection is the subset of frames overlapping a tile range, with each
// kept frame's footprint in mosaic pixels.
type Selection struct {
	Frames     []Frame
	Footprints map[FrameID]geom.Box
	Rejected   []FrameRejection
}

// Select keeps the frames whose footprint intersects the bounds of at least
// one tile in tiles. An empty tile range selects nothing.
func Select(frames []Frame, tiles []TileCoord, grid Grid, fp Footprinter) (Selection, error) {
	sel := Selection{Footprints: make(map[FrameID]geom.Box)}
	if len(tiles) == 0 {
		return sel, nil
	}

	bounds := make([]geom.Box, 0, len(tiles))
	for _, c := range tiles {
		if !grid.Contains(c) {
			return Selection{}, ConfigErrorf("tile", "%s outside %dx%d grid", c, grid.NX, grid.NY)
		}
		bounds = append(bounds, grid.Bounds(c))
	}

	for _, f := range frames {
		box, err := fp.Footprint(f)
		if err != nil {
			sel.Rejected = append(sel.Rejected, FrameRejection{Frame: f.ID, Reason: err.Error()})
			continue
		}
		for _, b := range bounds {
			if box.Overlaps(b) {
				sel.Frames = append(sel.Frames, f)
				sel.Footprints[f.ID] = box
				break
			}
		}
	}
	return sel, nil
}

// ForTile narrows the selection to the frames overlapping one tile, in
// selection order.
func (s Selection) ForTile(grid Grid, c TileCoord) []Frame {
	b := grid.Bounds(c)
	var out []Frame
	for _, f := range s.Frames {
		if box, ok := s.Footprints[f.ID]; ok && box.Overlaps(b) {
			out = append(out, f)
		}
	}
	return out
}

// IDs lists the identifiers of the selected frames.
func (s Selection) IDs() []FrameID {
	ids := make([]FrameID, len(s.Frames))
	for i, f := range s.Frames {
		ids[i] = f.ID
	}
	return ids
}
