package orchestrator

import (
	"mosaicstack/internal/geom"
	"mosaicstack/internal/mosaic"
	"mosaicstack/internal/stacker"
)

// WarpMeasureUnit measures one frame's seeing on the mosaic grid.
type WarpMeasureUnit struct {
	Frame     mosaic.Frame
	MosaicWCS geom.WCS
}

func (u WarpMeasureUnit) Key() string { return string(u.Frame.ID) }

// TileExecUnit stacks one tile. It is a self-contained value: frames are
// copied in, and the kernel is a private copy of the run's aggregate.
type TileExecUnit struct {
	StackID   string
	Coord     mosaic.TileCoord
	Bounds    geom.Box
	MosaicWCS geom.WCS
	Inputs    []stacker.Input
	Kernel    *mosaic.PsfMatchKernel
}

func (u TileExecUnit) Key() string { return u.Coord.Key() }

// Request converts the unit into a stacker request.
func (u TileExecUnit) Request() stacker.Request {
	return stacker.Request{
		StackID:   u.StackID,
		Coord:     u.Coord,
		Bounds:    u.Bounds,
		MosaicWCS: u.MosaicWCS,
		Inputs:    append([]stacker.Input(nil), u.Inputs...),
		Kernel:    u.Kernel,
	}
}

func buildTileUnits(p *Plan, coords []mosaic.TileCoord, kernel *mosaic.PsfMatchKernel) []TileExecUnit {
	sel := p.Selection()
	units := make([]TileExecUnit, 0, len(coords))
	for _, c := range coords {
		frames := sel.ForTile(p.Grid, c)
		inputs := make([]stacker.Input, len(frames))
		for i, f := range frames {
			inputs[i] = stacker.Input{Frame: f, Seeing: p.SeeingOf(f.ID)}
		}
		var k *mosaic.PsfMatchKernel
		if kernel != nil {
			cp := *kernel
			k = &cp
		}
		units = append(units, TileExecUnit{
			StackID:   p.StackID,
			Coord:     c,
			Bounds:    p.Grid.Bounds(c),
			MosaicWCS: p.MosaicWCS,
			Inputs:    inputs,
			Kernel:    k,
		})
	}
	return units
}
